package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"go.uber.org/zap"
)

const maxJournalLine = 8 << 20

// JournalctlReader follows the systemd journal through
// `journalctl --follow --output=json`. Matches are passed to journalctl, so
// filtering happens in the journal itself. The process is started on the first
// Next and killed by Close.
type JournalctlReader struct {
	bin string
	log *zap.Logger

	tail    bool
	matches []string

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	lines   chan []byte
	closed  chan struct{}
	exitErr error
	once    sync.Once
}

func NewJournalctlReader(bin string, log *zap.Logger) *JournalctlReader {
	if bin == "" {
		bin = "journalctl"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &JournalctlReader{bin: bin, log: log, closed: make(chan struct{})}
}

var (
	errReaderStarted = errors.New("journal reader already started")
	errReaderClosed  = errors.New("journal reader closed")
)

func (r *JournalctlReader) SeekTail() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errReaderStarted
	}
	r.tail = true
	return nil
}

func (r *JournalctlReader) AddMatch(match string) error {
	if _, _, err := splitMatch(match); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errReaderStarted
	}
	r.matches = append(r.matches, match)
	return nil
}

func (r *JournalctlReader) args() []string {
	args := []string{"--follow", "--output=json", "--no-pager"}
	if r.tail {
		args = append(args, "--lines=0")
	}
	return append(args, r.matches...)
}

func (r *JournalctlReader) start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	select {
	case <-r.closed:
		return errReaderClosed
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, r.bin, r.args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("journalctl stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start %s: %w", r.bin, err)
	}

	r.started = true
	r.cancel = cancel
	r.lines = make(chan []byte)
	go r.read(cmd, stdout)

	r.log.Debug("journalctl started", zap.Strings("args", r.args()))
	return nil
}

func (r *JournalctlReader) read(cmd *exec.Cmd, stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), maxJournalLine)

	for sc.Scan() {
		line := append([]byte(nil), sc.Bytes()...)
		select {
		case r.lines <- line:
		case <-r.closed:
			_ = cmd.Wait()
			r.finish(nil)
			return
		}
	}

	err := sc.Err()
	if waitErr := cmd.Wait(); err == nil {
		err = waitErr
	}
	if err == nil {
		err = io.EOF
	}
	r.finish(fmt.Errorf("journalctl exited: %w", err))
}

func (r *JournalctlReader) finish(err error) {
	r.mu.Lock()
	r.exitErr = err
	r.mu.Unlock()
	close(r.lines)
}

func (r *JournalctlReader) Next(ctx context.Context) (JournalEntry, error) {
	if err := r.start(); err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case line, ok := <-r.lines:
			if !ok {
				r.mu.Lock()
				err := r.exitErr
				r.mu.Unlock()
				if err == nil {
					err = io.EOF
				}
				return nil, err
			}
			entry, err := parseJournalJSON(line)
			if err != nil {
				r.log.Warn("skipping malformed journal entry", zap.Error(err))
				continue
			}
			return entry, nil
		}
	}
}

func (r *JournalctlReader) Close() error {
	r.once.Do(func() {
		close(r.closed)
		r.mu.Lock()
		cancel := r.cancel
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
	return nil
}

var _ JournalReader = (*JournalctlReader)(nil)
