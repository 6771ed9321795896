package jobs

import "context"

// Store persists operation states for queue restart recovery.
type Store interface {
	LoadOperations(ctx context.Context) ([]*Operation, error)
	UpsertOperation(ctx context.Context, op *Operation) error
	DeleteOperation(ctx context.Context, opID string) error
}
