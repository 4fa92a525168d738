package trace

import "context"

// Store persists and retrieves Trace artifacts by (streamID, executionID),
// an alternative to the filesystem-based WriteJSON/ReadJSON pair for
// deployments that want traces queryable from a database.
type Store interface {
	Save(ctx context.Context, t Trace) error
	Load(ctx context.Context, streamID, executionID string) (Trace, error)
	Close() error
}
