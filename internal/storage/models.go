package storage

import (
	"encoding/json"
	"errors"
	"time"
)

// Bucket names for the bbolt state cache
const (
	CapabilitiesBucket = "capabilities"
	RendersBucket      = "renders"
	MetaBucket         = "meta"
)

// Meta keys
const (
	SchemaVersionKey = "schema"
)

// Current schema version
const CurrentSchemaVersion = 1

// ErrNotFound is returned when a record does not exist in the store.
var ErrNotFound = errors.New("storage: record not found")

// CapabilityRecord is the last known capability snapshot of one upstream
// server. The aggregator compares the stored snapshot against a fresh one
// to compute change-sets across process restarts.
type CapabilityRecord struct {
	Server   string          `json:"server"`
	Hash     string          `json:"hash"`
	Snapshot json.RawMessage `json:"snapshot"`
	Updated  time.Time       `json:"updated"`
}

// MarshalBinary implements encoding.BinaryMarshaler using JSON
func (c *CapabilityRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler using JSON
func (c *CapabilityRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, c)
}
