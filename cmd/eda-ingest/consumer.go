package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/baldanca/eda-ingestor/queue"
)

// consume writes every envelope popped from q to w as a JSON line until q is
// closed and drained. It returns the number of envelopes written.
func consume(q *queue.Queue, w io.Writer) (int, error) {
	enc := json.NewEncoder(w)
	n := 0
	for {
		env, err := q.Pop(context.Background())
		if errors.Is(err, queue.ErrClosed) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if err := enc.Encode(env); err != nil {
			return n, fmt.Errorf("write envelope: %w", err)
		}
		n++
	}
}
