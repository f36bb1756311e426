package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/canopy-network/ledgerx/pkg/indexer/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Default stream configuration
const (
	DefaultStreamMaxLen = 10000 // Default max entries per stream
	WatermarkStream     = "ledgerx:watermarks"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	// StreamMaxLen caps the watermark stream, 0 = unlimited.
	StreamMaxLen int64
}

// Client publishes watermark notifications on Redis Pub/Sub and a capped stream.
type Client struct {
	client       *redis.Client
	logger       *zap.Logger
	streamMaxLen int64
}

// NewClient connects to Redis and pings it.
func NewClient(ctx context.Context, logger *zap.Logger, cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,

		// Connection pool
		PoolSize:     10,
		MinIdleConns: 2,

		// Timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
		zap.Int64("streamMaxLen", cfg.StreamMaxLen))

	return &Client{
		client:       rdb,
		logger:       logger,
		streamMaxLen: cfg.StreamMaxLen,
	}, nil
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Health checks if Redis is healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// PublishWatermark announces a watermark advance on the pipeline's channel
// and appends it to the watermark stream for consumers that were offline.
func (c *Client) PublishWatermark(ctx context.Context, ev types.WatermarkAdvanced) error {
	payload, values, err := encodeWatermark(ev)
	if err != nil {
		return err
	}

	pipe := c.client.Pipeline()
	pipe.Publish(ctx, types.GetWatermarkChannel(ev.Pipeline), payload)
	args := &redis.XAddArgs{
		Stream: WatermarkStream,
		Values: values,
	}
	// Apply MAXLEN if configured (approximate for performance)
	if c.streamMaxLen > 0 {
		args.MaxLen = c.streamMaxLen
		args.Approx = true
	}
	pipe.XAdd(ctx, args)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish watermark of %s: %w", ev.Pipeline, err)
	}
	return nil
}

func encodeWatermark(ev types.WatermarkAdvanced) ([]byte, map[string]any, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, nil, fmt.Errorf("encode watermark event: %w", err)
	}
	values := map[string]any{
		"event":                   ev.Event,
		"pipeline":                ev.Pipeline,
		"checkpoint_hi_inclusive": strconv.FormatInt(ev.HighMarks.CheckpointHiInclusive, 10),
		"tx_hi":                   strconv.FormatInt(ev.HighMarks.TxHi, 10),
		"payload":                 string(payload),
	}
	return payload, values, nil
}
