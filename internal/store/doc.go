// Package store persists which agent gateway belongs to which user.
//
// # Overview
//
// The control plane resolves a user's gateway before every API request.
// Store is that lookup: user id to gateway URL and token. Provisioning and
// billing of gateways happen elsewhere; records are written by an operator
// (clawlink gateway set) or by whatever system provisions gateways.
//
// SQLiteStore uses modernc.org/sqlite (pure Go, no cgo) in WAL mode and
// creates its schema on open. MockStore is an in-memory implementation for
// tests.
package store
