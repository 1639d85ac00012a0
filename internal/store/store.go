// ABOUTME: Store interface and data types for clawlink persistence
// ABOUTME: Maps a control-plane user to their agent gateway URL and token

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidRecord is returned when a record is missing required fields
var ErrInvalidRecord = errors.New("invalid gateway record")

// GatewayRecord is the connection info for one user's gateway.
// Provisioning happens elsewhere; this is only a lookup table.
type GatewayRecord struct {
	UserID     string
	GatewayURL string
	Token      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Validate checks the required fields
func (r *GatewayRecord) Validate() error {
	if r.UserID == "" {
		return errors.Join(ErrInvalidRecord, errors.New("user id required"))
	}
	if r.GatewayURL == "" {
		return errors.Join(ErrInvalidRecord, errors.New("gateway url required"))
	}
	return nil
}

// Store defines the interface for gateway credential persistence
type Store interface {
	// GetGateway returns ErrNotFound when the user has no gateway.
	GetGateway(ctx context.Context, userID string) (*GatewayRecord, error)

	// PutGateway inserts or replaces the user's gateway. CreatedAt is kept
	// on replace.
	PutGateway(ctx context.Context, rec *GatewayRecord) error

	DeleteGateway(ctx context.Context, userID string) error
	ListGateways(ctx context.Context) ([]*GatewayRecord, error)

	// Close releases any resources held by the store
	Close() error
}
