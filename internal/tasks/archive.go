package tasks

import (
	"context"
	"errors"
)

var ErrArchiveNotFound = errors.New("task not found in archive")

// Archive receives terminal task snapshots for operator inspection. It is
// never consulted on the polling path: an evicted task stays a 404.
type Archive interface {
	SaveSnapshot(ctx context.Context, task Task) error
	GetSnapshot(ctx context.Context, taskID string) (Task, error)
	ListRecent(ctx context.Context, limit int) ([]Task, error)
	Close() error
}
