package source

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.uber.org/zap"

	"github.com/baldanca/eda-ingestor/event"
)

const (
	// JournalTag tags every envelope produced by the journal source.
	JournalTag = "journal"

	// MatchAll subscribes to every journal entry.
	MatchAll = "ALL"

	ReaderJournalctl = "journalctl"
	ReaderFile       = "file"
)

// volatileJournalFields are stripped from entries. A field is dropped when its
// name contains any of these.
var volatileJournalFields = []string{"_TIMESTAMP", "_BOOT_ID", "_MACHINE_ID", "__CURSOR"}

// SourceJournalConfig configures the journal tailer.
type SourceJournalConfig struct {
	// Match is a FIELD=value journal match, or ALL. Empty disables the source.
	Match string `mapstructure:"match"`

	// Delay (seconds) is slept after each pushed entry.
	Delay float64 `mapstructure:"delay"`

	// Filter is an optional boolean expression over the normalized fields,
	// e.g. `priority <= "3" && _systemd_unit == "sshd.service"`.
	Filter string `mapstructure:"filter"`

	Reader     string `mapstructure:"reader"`
	Path       string `mapstructure:"path"`       // file reader only
	Poll       bool   `mapstructure:"poll"`       // file reader only
	Journalctl string `mapstructure:"journalctl"` // journalctl binary
}

var DefaultSourceJournalConfig = SourceJournalConfig{
	Reader:     ReaderJournalctl,
	Journalctl: "journalctl",
}

func (c SourceJournalConfig) validate() error {
	if c.Delay < 0 {
		return configErr(TypeJournal, "delay", "must be non-negative")
	}
	switch c.Reader {
	case ReaderJournalctl:
	case ReaderFile:
		if strings.TrimSpace(c.Path) == "" {
			return configErr(TypeJournal, "path", "required by the file reader")
		}
	default:
		return configErr(TypeJournal, "reader", "unknown reader %q", c.Reader)
	}
	if c.Match != "" && c.Match != MatchAll {
		if _, _, err := splitMatch(c.Match); err != nil {
			return configErr(TypeJournal, "match", "%v", err)
		}
	}
	return nil
}

// SourceJournal follows the systemd journal and pushes one tagged envelope per
// entry, starting at the tail: entries written before Run are never emitted.
type SourceJournal struct {
	cfg    SourceJournalConfig
	opts   options
	log    *zap.Logger
	filter *vm.Program
}

// NewSourceJournal validates cfg and compiles the filter.
func NewSourceJournal(cfg SourceJournalConfig, opts ...Option) (*SourceJournal, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var program *vm.Program
	if strings.TrimSpace(cfg.Filter) != "" {
		p, err := expr.Compile(cfg.Filter, expr.AllowUndefinedVariables(), expr.AsBool())
		if err != nil {
			return nil, configErr(TypeJournal, "filter", "%v", err)
		}
		program = p
	}

	o := newOptions(opts)
	return &SourceJournal{
		cfg:    cfg,
		opts:   o,
		log:    o.logger.With(zap.String("match", cfg.Match)),
		filter: program,
	}, nil
}

// Run tails the journal until ctx is done or reading fails. The reader is
// closed on return, including an injected one.
func (s *SourceJournal) Run(ctx context.Context, q Queue) error {
	if s.cfg.Match == "" {
		s.log.Warn("journal source has no match, nothing to tail")
		return nil
	}

	r := s.reader()
	defer func() {
		if err := r.Close(); err != nil {
			s.log.Warn("close journal reader", zap.Error(err))
		}
	}()

	if err := r.SeekTail(); err != nil {
		return fmt.Errorf("seek journal tail: %w", err)
	}
	if s.cfg.Match != MatchAll {
		if err := r.AddMatch(s.cfg.Match); err != nil {
			return configErr(TypeJournal, "match", "%v", err)
		}
	}
	s.log.Info("tailing journal", zap.String("reader", s.cfg.Reader))

	delay := secondsToDuration(s.cfg.Delay)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		entry, err := r.Next(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("read journal: %w", err)
		}

		fields, redacted := normalizeJournalEntry(entry)
		s.opts.metrics.Redacted(TypeJournal, redacted)
		if len(fields) == 0 || !s.accept(fields) {
			continue
		}

		if err := q.Push(ctx, event.NewTagged(JournalTag, fields)); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("push journal entry: %w", err)
		}
		s.opts.metrics.Pushed(TypeJournal)
		runtime.Gosched()

		if err := s.opts.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (s *SourceJournal) reader() JournalReader {
	if s.opts.journalReader != nil {
		return s.opts.journalReader
	}
	if s.cfg.Reader == ReaderFile {
		return NewFileJournalReader(s.cfg.Path, s.cfg.Poll, s.log)
	}
	return NewJournalctlReader(s.cfg.Journalctl, s.log)
}

// accept evaluates the filter. Entries the filter cannot evaluate are dropped.
func (s *SourceJournal) accept(fields map[string]string) bool {
	if s.filter == nil {
		return true
	}
	env := make(map[string]any, len(fields))
	for k, v := range fields {
		env[k] = v
	}
	out, err := expr.Run(s.filter, env)
	if err != nil {
		s.log.Debug("journal filter failed, dropping entry", zap.Error(err))
		return false
	}
	ok, _ := out.(bool)
	return ok
}

// normalizeJournalEntry drops empty and volatile fields and lowercases names.
// It returns the kept fields and how many volatile fields were removed.
func normalizeJournalEntry(e JournalEntry) (map[string]string, int) {
	out := make(map[string]string, len(e))
	redacted := 0
	for k, v := range e {
		if k == "" || v == "" {
			continue
		}
		if isVolatileField(k) {
			redacted++
			continue
		}
		out[strings.ToLower(k)] = v
	}
	return out, redacted
}

func isVolatileField(name string) bool {
	for _, f := range volatileJournalFields {
		if strings.Contains(name, f) {
			return true
		}
	}
	return false
}

var _ Sourcer = (*SourceJournal)(nil)
