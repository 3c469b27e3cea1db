package source

import (
	"context"

	"github.com/baldanca/eda-ingestor/event"
)

// Queue is the shared ingestion queue as seen by a source: push only.
//
// Push must preserve call order for a single caller and may block when the
// queue is bounded and full.
type Queue interface {
	Push(ctx context.Context, env event.Envelope) error
}

// Sourcer is the runtime contract every event source implements.
//
// Configuration is validated by the constructor, before any I/O. Run performs
// startup I/O (resolving the remote resource, positioning a reader), then loops
// until ctx is canceled or an unrecovered error occurs. A canceled Run returns
// ctx.Err(); startup failures return a permanent error (see IsPermanent).
//
// Side effects are limited to I/O against the source's own resource and pushes
// to q.
type Sourcer interface {
	Run(ctx context.Context, q Queue) error
}
