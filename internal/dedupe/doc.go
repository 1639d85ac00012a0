// Package dedupe remembers the idempotency keys of accepted chat sends so a
// retried request maps back to the run it already started instead of
// reaching the gateway twice.
package dedupe
