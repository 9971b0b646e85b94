package models

import (
	"encoding/json"
	"fmt"
)

// HydratePayload targets a single illust or a run-driven batch.
// Exactly one of IllustID / HydrationRunID is set.
type HydratePayload struct {
	IllustID       int64              `json:"illust_id,omitempty"`
	Reason         string             `json:"reason,omitempty"`
	HydrationRunID int64              `json:"hydration_run_id,omitempty"`
	Criteria       *HydrationCriteria `json:"criteria,omitempty"`
}

// ImportPayload references a stored import whose URL list should be processed.
type ImportPayload struct {
	ImportID int64  `json:"import_id"`
	Body     string `json:"body,omitempty"` // inline URL list for small imports
}

// ProbePayload selects endpoints to health-check.
type ProbePayload struct {
	PoolID      int64   `json:"pool_id,omitempty"`      // 0 = all pools
	EndpointIDs []int64 `json:"endpoint_ids,omitempty"` // empty = whole pool
	Parallelism int     `json:"parallelism,omitempty"`
}

// DecodePayload decodes a job's JSON payload into dst. A shape mismatch is a
// permanent job error, so callers should treat a non-nil return as such.
func DecodePayload(payloadJSON string, dst any) error {
	if payloadJSON == "" {
		payloadJSON = "{}"
	}
	if err := json.Unmarshal([]byte(payloadJSON), dst); err != nil {
		return fmt.Errorf("decode job payload: %w", err)
	}
	return nil
}

// EncodePayload marshals a payload for storage.
func EncodePayload(p any) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode job payload: %w", err)
	}
	return string(b), nil
}
