package service

import (
	"fmt"
	"time"
)

// PermanentError sends a job straight to the dead letter queue.
type PermanentError struct {
	Reason string
	Err    error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent: %s: %v", e.Reason, e.Err)
	}
	return "permanent: " + e.Reason
}

func (e *PermanentError) Unwrap() error { return e.Err }

// DeferError reschedules a job without consuming an attempt, e.g. when
// every token is in backoff.
type DeferError struct {
	Reason   string
	RunAfter time.Time
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("deferred until %s: %s", e.RunAfter.UTC().Format(time.RFC3339), e.Reason)
}

// NoTokenAvailableError means no token is currently eligible; NextRetryAt
// is the earliest time one might be.
type NoTokenAvailableError struct {
	NextRetryAt time.Time
}

func (e *NoTokenAvailableError) Error() string {
	return fmt.Sprintf("no token available until %s", e.NextRetryAt.UTC().Format(time.RFC3339))
}

// ProxyRequiredError means routing policy demands a proxy but no eligible
// endpoint exists and fail-closed is on.
type ProxyRequiredError struct {
	Host  string
	Pools []PoolDiagnostics
}

// PoolDiagnostics describes why a pool yielded no endpoint.
type PoolDiagnostics struct {
	PoolID            int64      `json:"pool_id"`
	PoolName          string     `json:"pool_name"`
	EndpointsTotal    int        `json:"endpoints_total"`
	EndpointsEligible int        `json:"endpoints_eligible"`
	NextAvailableAt   *time.Time `json:"next_available_at,omitempty"`
}

func (e *ProxyRequiredError) Error() string {
	return fmt.Sprintf("proxy required for host %s but no eligible endpoint in %d pool(s)", e.Host, len(e.Pools))
}
