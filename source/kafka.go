package source

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/baldanca/eda-ingestor/event"
)

// Kafka envelope meta keys.
const (
	MetaTopic     = "topic"
	MetaPartition = "partition"
	MetaOffset    = "offset"
	MetaKey       = "key"
)

// SourceKafkaConfig configures the Kafka topic consumer.
type SourceKafkaConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Topic   string `mapstructure:"topic"`
	GroupID string `mapstructure:"group_id"`

	// Offset is where a group without a committed offset starts: latest or earliest.
	Offset string `mapstructure:"offset"`

	// TLS is enabled when CAFile is set.
	CAFile        string `mapstructure:"cafile"`
	CertFile      string `mapstructure:"certfile"`
	KeyFile       string `mapstructure:"keyfile"`
	CheckHostname bool   `mapstructure:"check_hostname"`
}

var DefaultSourceKafkaConfig = SourceKafkaConfig{
	Host:          "localhost",
	Port:          9092,
	GroupID:       "eda-ingestor",
	Offset:        "latest",
	CheckHostname: true,
}

func (c SourceKafkaConfig) validate() error {
	if strings.TrimSpace(c.Topic) == "" {
		return configErr(TypeKafka, "topic", "missing topic")
	}
	if strings.TrimSpace(c.Host) == "" {
		return configErr(TypeKafka, "host", "missing host")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return configErr(TypeKafka, "port", "invalid port %d", c.Port)
	}
	if strings.TrimSpace(c.GroupID) == "" {
		return configErr(TypeKafka, "group_id", "missing group id")
	}
	if _, err := initialOffset(c.Offset); err != nil {
		return configErr(TypeKafka, "offset", "%v", err)
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return configErr(TypeKafka, "certfile", "certfile and keyfile must be set together")
	}
	return nil
}

func (c SourceKafkaConfig) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func initialOffset(s string) (int64, error) {
	switch s {
	case "latest":
		return sarama.OffsetNewest, nil
	case "earliest":
		return sarama.OffsetOldest, nil
	default:
		return 0, fmt.Errorf("invalid offset option %q, want latest or earliest", s)
	}
}

// saramaConfig builds the client configuration, loading TLS material from disk.
func (c SourceKafkaConfig) saramaConfig() (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = "eda-ingestor"
	cfg.Consumer.Return.Errors = false
	cfg.Consumer.Offsets.AutoCommit.Enable = true
	cfg.Consumer.Offsets.Initial, _ = initialOffset(c.Offset)

	if c.CAFile != "" {
		tlsCfg, err := c.tlsConfig()
		if err != nil {
			return nil, err
		}
		cfg.Net.TLS.Enable = true
		cfg.Net.TLS.Config = tlsCfg
	}
	return cfg, nil
}

func (c SourceKafkaConfig) tlsConfig() (*tls.Config, error) {
	pem, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, configErr(TypeKafka, "cafile", "%v", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, configErr(TypeKafka, "cafile", "no certificates found in %s", c.CAFile)
	}

	cfg := &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
		ServerName: c.Host,
	}
	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, configErr(TypeKafka, "certfile", "%v", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if !c.CheckHostname {
		// Chain is still verified against RootCAs, only the name check is skipped.
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = verifyChainOnly(pool)
	}
	return cfg, nil
}

func verifyChainOnly(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(raw [][]byte, _ [][]*x509.Certificate) error {
		if len(raw) == 0 {
			return errors.New("kafka broker presented no certificate")
		}
		certs := make([]*x509.Certificate, len(raw))
		for i, der := range raw {
			c, err := x509.ParseCertificate(der)
			if err != nil {
				return err
			}
			certs[i] = c
		}
		inter := x509.NewCertPool()
		for _, c := range certs[1:] {
			inter.AddCert(c)
		}
		_, err := certs[0].Verify(x509.VerifyOptions{Roots: roots, Intermediates: inter})
		return err
	}
}

type consumerGroup interface {
	Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error
	Close() error
}

// SourceKafka consumes a topic as a member of a consumer group and pushes one
// envelope per record. A record's offset is marked only after its push
// completed, so delivery is at-least-once across restarts and rebalances.
type SourceKafka struct {
	cfg  SourceKafkaConfig
	opts options
	log  *zap.Logger
}

// NewSourceKafka validates cfg. No I/O happens until Run.
func NewSourceKafka(cfg SourceKafkaConfig, opts ...Option) (*SourceKafka, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o := newOptions(opts)
	return &SourceKafka{
		cfg:  cfg,
		opts: o,
		log:  o.logger.With(zap.String("topic", cfg.Topic), zap.String("group", cfg.GroupID)),
	}, nil
}

func (s *SourceKafka) Run(ctx context.Context, q Queue) error {
	group, err := s.group()
	if err != nil {
		return err
	}
	defer func() {
		if err := group.Close(); err != nil {
			s.log.Warn("close consumer group", zap.Error(err))
		}
	}()

	s.log.Info("consuming kafka topic", zap.String("addr", s.cfg.addr()))

	h := &kafkaHandler{src: s, q: q}
	topics := []string{s.cfg.Topic}
	for {
		// Consume returns at every rebalance; the loop rejoins the group.
		err := group.Consume(ctx, topics, h)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if pushErr := h.failure(); pushErr != nil {
			return pushErr
		}
		if err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return fmt.Errorf("consumer group closed: %w", err)
			}
			return fmt.Errorf("consume topic %s: %w", s.cfg.Topic, err)
		}
	}
}

func (s *SourceKafka) group() (consumerGroup, error) {
	if s.opts.kafkaGroup != nil {
		return s.opts.kafkaGroup, nil
	}
	cfg, err := s.cfg.saramaConfig()
	if err != nil {
		return nil, err
	}
	g, err := sarama.NewConsumerGroup([]string{s.cfg.addr()}, s.cfg.GroupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("join consumer group %s: %w", s.cfg.GroupID, err)
	}
	return g, nil
}

func (s *SourceKafka) envelope(m *sarama.ConsumerMessage) event.Envelope {
	body, ok := parseBody(m.Value)
	if !ok {
		s.opts.metrics.ParseFallback(TypeKafka)
		s.log.Debug("record value is not json, forwarding raw string",
			zap.Int32("partition", m.Partition), zap.Int64("offset", m.Offset))
	}
	return event.NewMessage(body, map[string]string{
		MetaTopic:     m.Topic,
		MetaPartition: strconv.FormatInt(int64(m.Partition), 10),
		MetaOffset:    strconv.FormatInt(m.Offset, 10),
		MetaKey:       string(m.Key),
	})
}

// kafkaHandler implements sarama.ConsumerGroupHandler. ConsumeClaim runs in
// one goroutine per claimed partition.
type kafkaHandler struct {
	src *SourceKafka
	q   Queue

	mu  sync.Mutex
	err error
}

func (h *kafkaHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.src.log.Debug("kafka session started", zap.String("member", sess.MemberID()), zap.Int32("generation", sess.GenerationID()))
	return nil
}

func (h *kafkaHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *kafkaHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.q.Push(ctx, h.src.envelope(m)); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				h.fail(fmt.Errorf("push record %s/%d/%d: %w", m.Topic, m.Partition, m.Offset, err))
				return err
			}
			h.src.opts.metrics.Pushed(TypeKafka)
			runtime.Gosched()

			sess.MarkMessage(m, "")
			h.src.opts.metrics.Acked(TypeKafka)
		}
	}
}

func (h *kafkaHandler) fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err == nil {
		h.err = err
	}
}

func (h *kafkaHandler) failure() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

var _ Sourcer = (*SourceKafka)(nil)
