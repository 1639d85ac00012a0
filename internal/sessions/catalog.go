// ABOUTME: Typed sessions.list/patch/delete client with filtering and ordering
// ABOUTME: The main session is reserved and never deleted

package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/2389/clawlink/internal/protocol"
)

// ErrMainUndeletable is returned by Delete for the reserved main session.
var ErrMainUndeletable = errors.New("the main session cannot be deleted")

// ErrEmptyKey is returned for operations on an empty session key.
var ErrEmptyKey = errors.New("session key required")

// Kind classifies a session row.
type Kind string

const (
	KindAgent   Kind = "agent"
	KindGlobal  Kind = "global"
	KindUnknown Kind = "unknown"
)

// Record is one sessions.list row as sent by the gateway.
type Record struct {
	Key         string `json:"key"`
	Label       string `json:"label,omitempty"`
	Kind        Kind   `json:"kind,omitempty"`
	UpdatedAt   *int64 `json:"updatedAt,omitempty"`
	TotalTokens *int64 `json:"totalTokens,omitempty"`
}

// Session is a display-ready session.
type Session struct {
	Key          string     `json:"key"`
	CanonicalKey string     `json:"canonicalKey"`
	Name         string     `json:"name"`
	Label        string     `json:"label,omitempty"`
	Kind         Kind       `json:"kind"`
	UpdatedAt    *time.Time `json:"updatedAt,omitempty"`
	TotalTokens  *int64     `json:"totalTokens,omitempty"`
	Main         bool       `json:"main"`
}

// ListOptions controls List.
type ListOptions struct {
	Limit          int
	IncludeGlobal  bool
	IncludeUnknown bool
}

// PatchOptions are the mutable session fields.
type PatchOptions struct {
	Label string
}

// DeleteOptions controls Delete. The transcript is deleted unless
// KeepTranscript is set.
type DeleteOptions struct {
	KeepTranscript bool
}

// Caller issues gateway RPCs.
type Caller interface {
	Call(ctx context.Context, method string, params, out any) error
}

// Catalog lists and edits sessions on one gateway connection.
type Catalog struct {
	caller Caller
	logger *slog.Logger
}

// NewCatalog creates a Catalog. Pass nil logger for default.
func NewCatalog(caller Caller, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		caller: caller,
		logger: logger.With("component", "sessions"),
	}
}

type listParams struct {
	Limit          int  `json:"limit,omitempty"`
	IncludeGlobal  bool `json:"includeGlobal"`
	IncludeUnknown bool `json:"includeUnknown"`
}

type listResult struct {
	Sessions []Record `json:"sessions"`
}

// List returns the visible sessions, most recently updated first.
func (c *Catalog) List(ctx context.Context, opts ListOptions) ([]Session, error) {
	var res listResult
	err := c.caller.Call(ctx, protocol.MethodSessionsList, listParams{
		Limit:          opts.Limit,
		IncludeGlobal:  opts.IncludeGlobal,
		IncludeUnknown: opts.IncludeUnknown,
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	sessions := Filter(res.Sessions, opts)
	Sort(sessions)

	c.logger.Debug("sessions listed",
		"received", len(res.Sessions),
		"visible", len(sessions),
	)
	return sessions, nil
}

// Patch updates a session's label.
func (c *Catalog) Patch(ctx context.Context, bareKey string, opts PatchOptions) error {
	if bareKey == "" {
		return ErrEmptyKey
	}
	params := map[string]any{
		"key":   Canonicalize(bareKey),
		"label": opts.Label,
	}
	if err := c.caller.Call(ctx, protocol.MethodSessionsPatch, params, nil); err != nil {
		return fmt.Errorf("patching session %q: %w", bareKey, err)
	}
	return nil
}

// Delete removes a session. The main session is rejected locally without
// contacting the gateway.
func (c *Catalog) Delete(ctx context.Context, bareKey string, opts DeleteOptions) error {
	if bareKey == "" {
		return ErrEmptyKey
	}
	if Normalize(bareKey) == MainKey {
		return ErrMainUndeletable
	}
	params := map[string]any{
		"key":              Canonicalize(bareKey),
		"deleteTranscript": !opts.KeepTranscript,
	}
	if err := c.caller.Call(ctx, protocol.MethodSessionsDelete, params, nil); err != nil {
		return fmt.Errorf("deleting session %q: %w", bareKey, err)
	}
	return nil
}

// Filter drops rows without a key and, unless included, global and unknown
// rows, and converts the rest to display form.
func Filter(records []Record, opts ListOptions) []Session {
	out := make([]Session, 0, len(records))
	for _, r := range records {
		if r.Key == "" {
			continue
		}
		kind := r.Kind
		if kind == "" {
			kind = KindAgent
		}
		if kind == KindGlobal && !opts.IncludeGlobal {
			continue
		}
		if kind == KindUnknown && !opts.IncludeUnknown {
			continue
		}
		out = append(out, toSession(r, kind))
	}
	return out
}

func toSession(r Record, kind Kind) Session {
	bare := Normalize(r.Key)
	s := Session{
		Key:          bare,
		CanonicalKey: r.Key,
		Name:         r.Label,
		Label:        r.Label,
		Kind:         kind,
		TotalTokens:  r.TotalTokens,
		Main:         bare == MainKey,
	}
	if s.Name == "" {
		s.Name = FormatName(bare)
	}
	if r.UpdatedAt != nil {
		t := time.UnixMilli(*r.UpdatedAt)
		s.UpdatedAt = &t
	}
	return s
}

// Sort orders sessions by UpdatedAt descending; sessions without a
// timestamp sort as zero, after all others. Equal timestamps keep their order.
func Sort(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return updatedMillis(sessions[i]) > updatedMillis(sessions[j])
	})
}

func updatedMillis(s Session) int64 {
	if s.UpdatedAt == nil {
		return 0
	}
	return s.UpdatedAt.UnixMilli()
}
