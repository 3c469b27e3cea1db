package source

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baldanca/eda-ingestor/metrics"
)

type fakeJournalReader struct {
	entries chan JournalEntry
	endErr  error

	mu       sync.Mutex
	tail     bool
	matches  []string
	matchErr error

	closed atomic.Bool
}

func newFakeJournalReader(entries ...JournalEntry) *fakeJournalReader {
	ch := make(chan JournalEntry, len(entries)+1)
	for _, e := range entries {
		ch <- e
	}
	return &fakeJournalReader{entries: ch}
}

func (f *fakeJournalReader) SeekTail() error {
	f.mu.Lock()
	f.tail = true
	f.mu.Unlock()
	return nil
}

func (f *fakeJournalReader) AddMatch(m string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.matchErr != nil {
		return f.matchErr
	}
	f.matches = append(f.matches, m)
	return nil
}

func (f *fakeJournalReader) Next(ctx context.Context) (JournalEntry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case e, ok := <-f.entries:
		if !ok {
			if f.endErr != nil {
				return nil, f.endErr
			}
			return nil, io.EOF
		}
		return e, nil
	}
}

func (f *fakeJournalReader) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeJournalReader) state() (bool, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tail, append([]string(nil), f.matches...)
}

func newTestJournal(t *testing.T, r JournalReader, mutate func(*SourceJournalConfig), opts ...Option) *SourceJournal {
	t.Helper()
	cfg := DefaultSourceJournalConfig
	cfg.Match = MatchAll
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]Option{WithJournalReader(r)}, opts...)
	s, err := NewSourceJournal(cfg, opts...)
	require.NoError(t, err)
	return s
}

func waitPushed(t *testing.T, q *recQueue) {
	t.Helper()
	select {
	case <-q.pushed:
	case <-time.After(2 * time.Second):
		t.Fatal("nothing pushed")
	}
}

func TestSourceJournal_EmitsNormalizedTaggedEntry(t *testing.T) {
	r := newFakeJournalReader(JournalEntry{
		"MESSAGE":              "hi",
		"_SYSTEMD_UNIT":        "sshd.service",
		"__REALTIME_TIMESTAMP": "1700000000",
		"_BOOT_ID":             "b",
		"_MACHINE_ID":          "m",
		"__CURSOR":             "c",
		"EMPTY":                "",
	})
	m := metrics.New(prometheus.NewRegistry())
	s := newTestJournal(t, r, func(c *SourceJournalConfig) { c.Match = "_SYSTEMD_UNIT=sshd.service" }, WithMetrics(m))
	q := newRecQueue(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s, q)
	waitPushed(t, q)
	cancel()
	require.ErrorIs(t, waitErr(t, done), context.Canceled)

	envs := q.all()
	require.Len(t, envs, 1)
	assert.Equal(t, JournalTag, envs[0].Tag())
	assert.Equal(t, map[string]string{"message": "hi", "_systemd_unit": "sshd.service"}, envs[0].Fields())

	tail, matches := r.state()
	assert.True(t, tail)
	assert.Equal(t, []string{"_SYSTEMD_UNIT=sshd.service"}, matches)
	assert.True(t, r.closed.Load())

	assert.Equal(t, 4.0, testutil.ToFloat64(m.FieldsRedacted.WithLabelValues(TypeJournal)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EnvelopesPushed.WithLabelValues(TypeJournal)))
}

func TestSourceJournal_PriorityScenario(t *testing.T) {
	r := newFakeJournalReader(JournalEntry{"PRIORITY": "6", "MESSAGE": "hi", "__CURSOR": "xyz"})
	close(r.entries)
	s := newTestJournal(t, r, func(c *SourceJournalConfig) { c.Match = "PRIORITY=6" })
	q := newRecQueue(nil)

	require.ErrorIs(t, s.Run(context.Background(), q), io.EOF)

	envs := q.all()
	require.Len(t, envs, 1)
	b, err := json.Marshal(envs[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"journal":{"priority":"6","message":"hi"}}`, string(b))
}

func TestSourceJournal_MatchRegisteredOnce(t *testing.T) {
	r := newFakeJournalReader(
		JournalEntry{"MESSAGE": "a"},
		JournalEntry{"MESSAGE": "b"},
		JournalEntry{"MESSAGE": "c"},
	)
	s := newTestJournal(t, r, func(c *SourceJournalConfig) { c.Match = "PRIORITY=3" })
	q := newRecQueue(nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s, q)
	for range 3 {
		waitPushed(t, q)
	}
	cancel()
	require.ErrorIs(t, waitErr(t, done), context.Canceled)

	_, matches := r.state()
	assert.Equal(t, []string{"PRIORITY=3"}, matches)

	envs := q.all()
	require.Len(t, envs, 3)
	for i, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, envs[i].Fields()["message"])
	}
}

func TestSourceJournal_MatchAllAddsNoMatch(t *testing.T) {
	r := newFakeJournalReader()
	close(r.entries)
	s := newTestJournal(t, r, nil)

	err := s.Run(context.Background(), newRecQueue(nil))
	require.ErrorIs(t, err, io.EOF)

	tail, matches := r.state()
	assert.True(t, tail)
	assert.Empty(t, matches)
}

func TestSourceJournal_EmptyMatchIsNoop(t *testing.T) {
	r := newFakeJournalReader(JournalEntry{"MESSAGE": "x"})
	s := newTestJournal(t, r, func(c *SourceJournalConfig) { c.Match = "" })
	q := newRecQueue(nil)

	require.NoError(t, s.Run(context.Background(), q))
	assert.Empty(t, q.all())

	tail, _ := r.state()
	assert.False(t, tail)
	assert.False(t, r.closed.Load())
}

func TestSourceJournal_FilterSelectsEntries(t *testing.T) {
	r := newFakeJournalReader(
		JournalEntry{"MESSAGE": "drop", "UNIT": "cron"},
		JournalEntry{"MESSAGE": "keep", "UNIT": "sshd"},
		JournalEntry{"MESSAGE": "no unit"},
	)
	close(r.entries)
	s := newTestJournal(t, r, func(c *SourceJournalConfig) { c.Filter = `unit == "sshd"` })
	q := newRecQueue(nil)

	require.ErrorIs(t, s.Run(context.Background(), q), io.EOF)

	envs := q.all()
	require.Len(t, envs, 1)
	assert.Equal(t, "keep", envs[0].Fields()["message"])
}

func TestSourceJournal_SkipsEntriesEmptyAfterNormalizing(t *testing.T) {
	r := newFakeJournalReader(
		JournalEntry{"__CURSOR": "c", "EMPTY": ""},
		JournalEntry{"MESSAGE": "m"},
	)
	close(r.entries)
	s := newTestJournal(t, r, nil)
	q := newRecQueue(nil)

	require.ErrorIs(t, s.Run(context.Background(), q), io.EOF)
	require.Len(t, q.all(), 1)
}

func TestSourceJournal_DelayAfterEachPush(t *testing.T) {
	r := newFakeJournalReader(JournalEntry{"MESSAGE": "a"}, JournalEntry{"MESSAGE": "b"})
	close(r.entries)

	var sleeps []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	s := newTestJournal(t, r, func(c *SourceJournalConfig) { c.Delay = 0.25 }, WithSleep(sleep))

	require.ErrorIs(t, s.Run(context.Background(), newRecQueue(nil)), io.EOF)
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, sleeps)
}

func TestSourceJournal_ReaderErrorPropagates(t *testing.T) {
	boom := errors.New("journal gone")
	r := newFakeJournalReader()
	r.endErr = boom
	close(r.entries)
	s := newTestJournal(t, r, nil)

	err := s.Run(context.Background(), newRecQueue(nil))
	require.ErrorIs(t, err, boom)
	assert.False(t, IsPermanent(err))
	assert.True(t, r.closed.Load())
}

func TestSourceJournal_PushFailureStops(t *testing.T) {
	r := newFakeJournalReader(JournalEntry{"MESSAGE": "a"})
	s := newTestJournal(t, r, nil)
	q := newRecQueue(nil)
	q.err = errors.New("queue closed")

	err := s.Run(context.Background(), q)
	require.ErrorIs(t, err, q.err)
}

func TestSourceJournal_RejectedMatchIsConfigError(t *testing.T) {
	r := newFakeJournalReader()
	r.matchErr = errors.New("bad match")
	s := newTestJournal(t, r, func(c *SourceJournalConfig) { c.Match = "A=b" })

	err := s.Run(context.Background(), newRecQueue(nil))
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestNewSourceJournal_Validation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*SourceJournalConfig)
	}{
		{"negative delay", func(c *SourceJournalConfig) { c.Delay = -1 }},
		{"unknown reader", func(c *SourceJournalConfig) { c.Reader = "sdjournal" }},
		{"file without path", func(c *SourceJournalConfig) { c.Reader = ReaderFile }},
		{"malformed match", func(c *SourceJournalConfig) { c.Match = "sshd" }},
		{"match without field", func(c *SourceJournalConfig) { c.Match = "=x" }},
		{"invalid filter", func(c *SourceJournalConfig) { c.Filter = "unit ==" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultSourceJournalConfig
			cfg.Match = MatchAll
			tc.mutate(&cfg)
			_, err := NewSourceJournal(cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestNormalizeJournalEntry(t *testing.T) {
	fields, redacted := normalizeJournalEntry(JournalEntry{
		"MESSAGE":                    "m",
		"__MONOTONIC_TIMESTAMP":      "1",
		"_SOURCE_REALTIME_TIMESTAMP": "2",
		"":                           "nameless",
		"SYSLOG_IDENTIFIER":          "",
	})
	assert.Equal(t, map[string]string{"message": "m"}, fields)
	assert.Equal(t, 2, redacted)
}
