package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/canopy-network/ledgerx/pkg/indexer/types"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"

	defaultKafkaMinBytes = 1
	defaultKafkaMaxBytes = 10 << 20
	defaultMaxLineBytes  = 64 << 20
)

// Delivery is one decoded checkpoint. Ack must be called only after the
// checkpoint is durably committed.
type Delivery struct {
	Checkpoint *types.CheckpointData
	ack        func(ctx context.Context) error
}

// NewDelivery builds a delivery with a custom ack callback.
func NewDelivery(cp *types.CheckpointData, ack func(ctx context.Context) error) Delivery {
	return Delivery{Checkpoint: cp, ack: ack}
}

func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Source yields checkpoints in delivery order. Next returns io.EOF once the
// source is exhausted; a streaming source only returns on error or cancellation.
type Source interface {
	Next(ctx context.Context) (Delivery, error)
	Close() error
}

type Config struct {
	Driver string

	Brokers       []string
	Group         string
	Topic         string
	KafkaMinBytes int
	KafkaMaxBytes int
	KafkaTLS      bool

	// Reader feeds the stdio driver; os.Stdin when nil.
	Reader       io.Reader
	MaxLineBytes int
}

// New opens a source for cfg.Driver.
func New(cfg Config) (Source, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverKafka:
		return newKafkaSource(cfg)
	case DriverStdio:
		return newStdioSource(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported source driver: %q", cfg.Driver)
	}
}

// IsStdio reports whether driver selects the stdio source, the default.
func IsStdio(driver string) bool {
	return normalizeDriver(driver) == DriverStdio
}

func normalizeDriver(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	if d == "" {
		return DriverStdio
	}
	return d
}

// Decode parses one JSON encoded checkpoint and validates it.
func Decode(payload []byte) (*types.CheckpointData, error) {
	var cp types.CheckpointData
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", types.ErrMalformedCheckpoint, err)
	}
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return &cp, nil
}

// SplitCommaList splits a comma separated env value into trimmed, non-empty parts.
func SplitCommaList(v string) []string {
	return normalizeList(strings.Split(v, ","))
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

var errClosed = errors.New("source closed")
