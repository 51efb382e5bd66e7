package store

import (
	"context"

	"github.com/agentsh/sigguard/pkg/types"
)

// EventStore persists audit events. QueryEvents may return an error for
// write-only backends.
type EventStore interface {
	AppendEvent(ctx context.Context, ev types.Event) error
	QueryEvents(ctx context.Context, q types.EventQuery) ([]types.Event, error)
	Close() error
}
