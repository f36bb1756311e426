package admin

import "time"

const ReadersTableName = "watermark_readers"

// Reader is a registered consumer of a pipeline's data. The pruner never
// moves reader_lo past the lowest registered ReaderLo.
type Reader struct {
	Pipeline  string    `json:"pipeline"`
	Reader    string    `json:"reader"`
	ReaderLo  int64     `json:"reader_lo"`
	UpdatedAt time.Time `json:"updated_at"`
}
