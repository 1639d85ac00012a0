// Package auth authenticates callers of the clawlink HTTP API.
//
// # JWT Tokens
//
// API clients send an HS256 JWT as a bearer token:
//
//	Authorization: Bearer <token>
//
// Tokens are signed with the configured auth.jwt_secret (at least
// MinSecretLength bytes), must carry iss "clawlink" and an expiry, and name
// the control-plane user in sub. That user id selects the gateway record
// used for the request.
//
// # Usage
//
//	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
//	if err != nil {
//	    return err
//	}
//	handler = auth.HTTPAuthMiddleware(verifier)(handler)
//
// Handlers read the caller with auth.UserID(r.Context()).
//
// Tokens are minted with `clawlink token <user>`.
package auth
