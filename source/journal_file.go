package source

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/nxadm/tail"
	"go.uber.org/zap"
)

// FileJournalReader follows a file of JSON journal entries, one per line, as
// written by `journalctl --output=json` or a log shipper. Rotation is followed.
// Matches are evaluated by the reader itself with journald semantics.
type FileJournalReader struct {
	path string
	poll bool
	log  *zap.Logger

	location *tail.SeekInfo
	matches  matchSet

	t *tail.Tail
}

// NewFileJournalReader reads path. With poll set, changes are detected by
// polling instead of inotify.
func NewFileJournalReader(path string, poll bool, log *zap.Logger) *FileJournalReader {
	if log == nil {
		log = zap.NewNop()
	}
	return &FileJournalReader{path: path, poll: poll, log: log, matches: matchSet{}}
}

func (r *FileJournalReader) SeekTail() error {
	if r.t != nil {
		return errReaderStarted
	}
	r.location = &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
	return nil
}

func (r *FileJournalReader) AddMatch(match string) error {
	if r.t != nil {
		return errReaderStarted
	}
	return r.matches.add(match)
}

func (r *FileJournalReader) start() error {
	if r.t != nil {
		return nil
	}
	t, err := tail.TailFile(r.path, tail.Config{
		Location:  r.location,
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      r.poll,
		Logger:    tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("tail %s: %w", r.path, err)
	}
	r.t = t
	return nil
}

func (r *FileJournalReader) Next(ctx context.Context) (JournalEntry, error) {
	if err := r.start(); err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case line, ok := <-r.t.Lines:
			if !ok {
				err := r.t.Err()
				if err == nil {
					err = io.EOF
				}
				return nil, fmt.Errorf("tail %s stopped: %w", r.path, err)
			}
			if line.Err != nil {
				return nil, fmt.Errorf("tail %s: %w", r.path, line.Err)
			}

			text := bytes.TrimSpace([]byte(line.Text))
			if len(text) == 0 {
				continue
			}
			entry, err := parseJournalJSON(text)
			if err != nil {
				r.log.Warn("skipping malformed journal entry", zap.String("path", r.path), zap.Int("line", line.Num), zap.Error(err))
				continue
			}
			if !r.matches.matches(entry) {
				continue
			}
			return entry, nil
		}
	}
}

func (r *FileJournalReader) Close() error {
	if r.t == nil {
		return nil
	}
	err := r.t.Stop()
	r.t.Cleanup()
	return err
}

var _ JournalReader = (*FileJournalReader)(nil)
