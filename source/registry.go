package source

import (
	"fmt"
	"sort"

	"github.com/go-viper/mapstructure/v2"
)

const (
	TypeSQS     = "aws_sqs_queue"
	TypeJournal = "journald"
	TypeKafka   = "kafka"
)

// factory decodes untyped args into a typed config and builds the source.
type factory func(args map[string]any, opts ...Option) (Sourcer, error)

var registry = map[string]factory{
	TypeSQS: func(args map[string]any, opts ...Option) (Sourcer, error) {
		cfg := DefaultSourceSQSConfig
		if err := decodeArgs(TypeSQS, args, &cfg); err != nil {
			return nil, err
		}
		return NewSourceSQS(cfg, opts...)
	},
	TypeJournal: func(args map[string]any, opts ...Option) (Sourcer, error) {
		cfg := DefaultSourceJournalConfig
		if err := decodeArgs(TypeJournal, args, &cfg); err != nil {
			return nil, err
		}
		return NewSourceJournal(cfg, opts...)
	},
	TypeKafka: func(args map[string]any, opts ...Option) (Sourcer, error) {
		cfg := DefaultSourceKafkaConfig
		if err := decodeArgs(TypeKafka, args, &cfg); err != nil {
			return nil, err
		}
		return NewSourceKafka(cfg, opts...)
	},
}

// Types lists the registered source types.
func Types() []string {
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// New builds a source of the given type from untyped arguments, as found in a
// rulebook or host configuration file. Unknown types and invalid arguments
// yield a ConfigError.
func New(typ string, args map[string]any, opts ...Option) (Sourcer, error) {
	f, ok := registry[typ]
	if !ok {
		return nil, configErr(typ, "", "unknown source type")
	}
	return f(args, opts...)
}

// decodeArgs overlays args on the defaults already held by out.
func decodeArgs(typ string, args map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return fmt.Errorf("%s: build decoder: %w", typ, err)
	}
	if err := dec.Decode(args); err != nil {
		return configErr(typ, "", "%v", err)
	}
	return nil
}
