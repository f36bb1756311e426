package types

import (
	"time"

	"github.com/canopy-network/ledgerx/pkg/db/models/admin"
)

const WatermarkAdvancedEvent = "watermark.advanced"

// WatermarkAdvanced is published after a pipeline's watermark moved forward.
// Data up to HighMarks.CheckpointHiInclusive is queryable when it is received.
// reader_lo and pruner_hi belong to the pruner and are read from the store.
type WatermarkAdvanced struct {
	Event     string          `json:"event"`
	Pipeline  string          `json:"pipeline"`
	First     int64           `json:"first"`
	Last      int64           `json:"last"`
	Timestamp time.Time       `json:"timestamp"`
	HighMarks admin.HighMarks `json:"high_marks"`
}

// GetChannel returns the Redis Pub/Sub channel for a pipeline event.
// Channel format: ledgerx:{pipeline}:{eventType}
func GetChannel(pipeline, eventType string) string {
	return "ledgerx:" + pipeline + ":" + eventType
}

// GetWatermarkChannel returns the channel for watermark.advanced events.
func GetWatermarkChannel(pipeline string) string {
	return GetChannel(pipeline, WatermarkAdvancedEvent)
}
