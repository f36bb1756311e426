package source

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

type kafkaSource struct {
	reader *kafka.Reader

	mu     sync.Mutex
	closed bool
}

// newKafkaSource joins cfg.Group on cfg.Topic. Offsets are committed only when
// a delivery is acked, so an uncommitted checkpoint is redelivered after a restart.
func newKafkaSource(cfg Config) (Source, error) {
	brokers := normalizeList(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka source requires at least one broker")
	}
	if strings.TrimSpace(cfg.Group) == "" {
		return nil, errors.New("kafka source requires group")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka source requires topic")
	}
	minBytes := cfg.KafkaMinBytes
	if minBytes <= 0 {
		minBytes = defaultKafkaMinBytes
	}
	maxBytes := cfg.KafkaMaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultKafkaMaxBytes
	}
	if maxBytes < minBytes {
		return nil, errors.New("kafka source max bytes must be >= min bytes")
	}

	readerCfg := kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  strings.TrimSpace(cfg.Group),
		Topic:    strings.TrimSpace(cfg.Topic),
		MinBytes: minBytes,
		MaxBytes: maxBytes,
	}
	if cfg.KafkaTLS {
		readerCfg.Dialer = &kafka.Dialer{
			Timeout: 10 * time.Second,
			TLS: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		}
	}
	return &kafkaSource{reader: kafka.NewReader(readerCfg)}, nil
}

func (s *kafkaSource) Next(ctx context.Context) (Delivery, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Delivery{}, errClosed
	}

	km, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return Delivery{}, err
	}
	cp, err := Decode(km.Value)
	if err != nil {
		return Delivery{}, fmt.Errorf("topic %s partition %d offset %d: %w", km.Topic, km.Partition, km.Offset, err)
	}
	return Delivery{
		Checkpoint: cp,
		ack: func(ackCtx context.Context) error {
			return s.reader.CommitMessages(ackCtx, km)
		},
	}, nil
}

func (s *kafkaSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.reader.Close()
}
