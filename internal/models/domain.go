// Package models defines the domain models for the image hub service.
package models

import "time"

// ImageStatus controls serving eligibility.
type ImageStatus int

const (
	ImageEnabled     ImageStatus = 1
	ImageDisabled    ImageStatus = 2
	ImageSoftDeleted ImageStatus = 4
)

// Orientation of an image, derived from its dimensions.
type Orientation int

const (
	OrientationPortrait  Orientation = 1
	OrientationLandscape Orientation = 2
	OrientationSquare    Orientation = 3
)

// Image is one page of an illust.
type Image struct {
	ID              int64        `json:"id"`
	IllustID        int64        `json:"illust_id"`
	PageIndex       int          `json:"page_index"`
	Ext             string       `json:"ext"`
	OriginalURL     string       `json:"original_url"`
	ProxyPath       string       `json:"proxy_path"`
	RandomKey       float64      `json:"-"` // immutable sampling key in [0,1)
	Status          ImageStatus  `json:"status"`
	Width           *int         `json:"width,omitempty"`
	Height          *int         `json:"height,omitempty"`
	AspectRatio     *float64     `json:"aspect_ratio,omitempty"`
	Orientation     *Orientation `json:"orientation,omitempty"`
	XRestrict       *int         `json:"x_restrict,omitempty"`
	AIType          *int         `json:"ai_type,omitempty"`
	IllustType      *int         `json:"illust_type,omitempty"`
	UserID          *int64       `json:"user_id,omitempty"`
	UserName        *string      `json:"user_name,omitempty"`
	Title           *string      `json:"title,omitempty"`
	CreatedAtPixiv  *time.Time   `json:"created_at_pixiv,omitempty"`
	BookmarkCount   *int64       `json:"bookmark_count,omitempty"`
	ViewCount       *int64       `json:"view_count,omitempty"`
	CommentCount    *int64       `json:"comment_count,omitempty"`
	LastOKAt        *time.Time   `json:"last_ok_at,omitempty"`
	LastFailAt      *time.Time   `json:"last_fail_at,omitempty"`
	LastErrorCode   *string      `json:"last_error_code,omitempty"`
	FailCount       int          `json:"fail_count"`
	CreatedImportID *int64       `json:"created_import_id,omitempty"`
	AddedAt         time.Time    `json:"added_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// HasCoreMetadata reports whether the hydration pipeline has filled the
// fields the picker scores on.
func (im *Image) HasCoreMetadata() bool {
	return im.Width != nil && im.Height != nil && im.Title != nil && im.UserID != nil
}

// Tag is a pixiv tag, unique by name.
type Tag struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	TranslatedName *string    `json:"translated_name,omitempty"`
	AddedAt        time.Time  `json:"added_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Import records one URL-list ingestion.
type Import struct {
	ID         int64        `json:"id"`
	CreatedBy  string       `json:"created_by"`
	Source     string       `json:"source"`
	Total      int          `json:"total"`
	Accepted   int          `json:"accepted"`
	Deduped    int          `json:"deduped"`
	Success    int          `json:"success"`
	Failed     int          `json:"failed"`
	Detail     ImportDetail `json:"detail"`
	AddedAt    time.Time    `json:"added_at"`
}

// ImportDetail carries up to MaxImportLineErrors line-level errors.
type ImportDetail struct {
	Errors []ImportLineError `json:"errors,omitempty"`
}

// ImportLineError is a single rejected line.
type ImportLineError struct {
	Line    int    `json:"line"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MaxImportLineErrors caps stored per-line errors per import.
const MaxImportLineErrors = 200

// PixivToken is a stored credential. The refresh token is secretbox-sealed;
// only the masked form leaves the process.
type PixivToken struct {
	ID                 int64      `json:"id"`
	Label              *string    `json:"label,omitempty"`
	Enabled            bool       `json:"enabled"`
	RefreshTokenEnc    string     `json:"-"`
	RefreshTokenMasked string     `json:"refresh_token_masked"`
	Weight             int        `json:"weight"` // 0..100; 0 removes from rotation
	ErrorCount         int        `json:"error_count"`
	BackoffUntil       *time.Time `json:"backoff_until,omitempty"`
	LastOKAt           *time.Time `json:"last_ok_at,omitempty"`
	LastFailAt         *time.Time `json:"last_fail_at,omitempty"`
	LastErrorCode      *string    `json:"last_error_code,omitempty"`
	LastErrorMsg       *string    `json:"last_error_msg,omitempty"`
	AddedAt            time.Time  `json:"added_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// ProxyPool groups endpoints for routing.
type ProxyPool struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Enabled     bool      `json:"enabled"`
	Description *string   `json:"description,omitempty"`
	AddedAt     time.Time `json:"added_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProxyScheme is the endpoint transport.
type ProxyScheme string

const (
	ProxySchemeHTTP   ProxyScheme = "http"
	ProxySchemeHTTPS  ProxyScheme = "https"
	ProxySchemeSOCKS5 ProxyScheme = "socks5"
)

// ProxyEndpoint is a single upstream HTTP/SOCKS proxy.
type ProxyEndpoint struct {
	ID               int64       `json:"id"`
	Scheme           ProxyScheme `json:"scheme"`
	Host             string      `json:"host"`
	Port             int         `json:"port"`
	Username         string      `json:"username,omitempty"`
	PasswordEnc      string      `json:"-"`
	Enabled          bool        `json:"enabled"`
	Source           string      `json:"source"` // manual | easy_proxies
	SourceRef        *string     `json:"source_ref,omitempty"`
	LastLatencyMs    *int64      `json:"last_latency_ms,omitempty"`
	LastOKAt         *time.Time  `json:"last_ok_at,omitempty"`
	LastFailAt       *time.Time  `json:"last_fail_at,omitempty"`
	BlacklistedUntil *time.Time  `json:"blacklisted_until,omitempty"`
	SuccessCount     int64       `json:"success_count"`
	FailureCount     int64       `json:"failure_count"`
	LastError        *string     `json:"last_error,omitempty"`
	AddedAt          time.Time   `json:"added_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Blacklisted reports whether the endpoint is blacklisted at now.
func (e *ProxyEndpoint) Blacklisted(now time.Time) bool {
	return e.BlacklistedUntil != nil && e.BlacklistedUntil.After(now)
}

// PoolMember is a pool membership row joined with its endpoint.
type PoolMember struct {
	PoolID     int64 `json:"pool_id"`
	EndpointID int64 `json:"endpoint_id"`
	Enabled    bool  `json:"enabled"`
	Weight     int   `json:"weight"` // 0..1000
	Endpoint   *ProxyEndpoint `json:"endpoint,omitempty"`
}

// TokenProxyBinding assigns a token a primary proxy within a pool; the
// override is a time-bounded hint toward the last-known-good endpoint.
type TokenProxyBinding struct {
	TokenID           int64      `json:"token_id"`
	PoolID            int64      `json:"pool_id"`
	PrimaryProxyID    int64      `json:"primary_proxy_id"`
	OverrideProxyID   *int64     `json:"override_proxy_id,omitempty"`
	OverrideExpiresAt *time.Time `json:"override_expires_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// OverrideActive reports whether the sticky override applies at now.
func (b *TokenProxyBinding) OverrideActive(now time.Time) bool {
	return b.OverrideProxyID != nil && b.OverrideExpiresAt != nil && b.OverrideExpiresAt.After(now)
}

// EffectiveProxyID returns the proxy the selector should try first.
func (b *TokenProxyBinding) EffectiveProxyID(now time.Time) (int64, string) {
	if b.OverrideActive(now) {
		return *b.OverrideProxyID, "override"
	}
	return b.PrimaryProxyID, "primary"
}

// JobStatus is the durable job lifecycle state.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCanceled  JobStatus = "canceled"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobDLQ       JobStatus = "dlq"
)

// Job type names.
const (
	JobTypeHydrateMetadata = "hydrate_metadata"
	JobTypeHydrationRun    = "hydration_run"
	JobTypeImportURLs      = "import_urls"
	JobTypeProbeProxies    = "probe_proxies"
)

// Job is a durable unit of background work.
type Job struct {
	ID          int64      `json:"id"`
	Type        string     `json:"type"`
	Status      JobStatus  `json:"status"`
	Priority    int        `json:"priority"` // smaller = sooner
	RunAfter    *time.Time `json:"run_after,omitempty"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	PayloadJSON string     `json:"payload_json"`
	LastError   *string    `json:"last_error,omitempty"`
	LockedBy    *string    `json:"locked_by,omitempty"`
	LockedAt    *time.Time `json:"locked_at,omitempty"`
	RefType     *string    `json:"ref_type,omitempty"`
	RefID       *int64     `json:"ref_id,omitempty"`
	AddedAt     time.Time  `json:"added_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// HydrationRunStatus is the run lifecycle state.
type HydrationRunStatus string

const (
	RunPending   HydrationRunStatus = "pending"
	RunRunning   HydrationRunStatus = "running"
	RunPaused    HydrationRunStatus = "paused"
	RunCanceled  HydrationRunStatus = "canceled"
	RunCompleted HydrationRunStatus = "completed"
	RunFailed    HydrationRunStatus = "failed"
)

// HydrationRun drives a cursor-advancing backfill over images missing metadata.
type HydrationRun struct {
	ID         int64              `json:"id"`
	Type       string             `json:"type"` // backfill | manual
	Status     HydrationRunStatus `json:"status"`
	Criteria   HydrationCriteria  `json:"criteria"`
	Cursor     HydrationCursor    `json:"cursor"`
	Total      *int64             `json:"total,omitempty"`
	Processed  int64              `json:"processed"`
	Success    int64              `json:"success"`
	Failed     int64              `json:"failed"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
	LastError  *string            `json:"last_error,omitempty"`
	AddedAt    time.Time          `json:"added_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// HydrationCriteria selects which missing field-sets qualify candidates.
// Missing entries are OR'd into the candidate predicate.
type HydrationCriteria struct {
	Missing []string `json:"missing"`
}

// HydrationCursor is the monotonically advancing image id cursor.
type HydrationCursor struct {
	ImageID int64 `json:"image_id"`
}

// RuntimeSetting is a mutable ops knob persisted as JSON.
type RuntimeSetting struct {
	Key         string    `json:"key"`
	ValueJSON   string    `json:"value_json"`
	Description *string   `json:"description,omitempty"`
	UpdatedBy   *string   `json:"updated_by,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Runtime setting keys.
const (
	SettingProxyEnabled        = "proxy.enabled"
	SettingProxyFailClosed     = "proxy.fail_closed"
	SettingProxyRouteMode      = "proxy.route_mode" // off | all | pixiv_only | allowlist
	SettingProxyAllowlist      = "proxy.allowlist_domains"
	SettingProxyDefaultPoolID  = "proxy.default_pool_id"
	SettingProxyRoutePools     = "proxy.route_pools" // host suffix -> pool id
	SettingRandomDefaults      = "random.defaults"
	SettingWorkerHeartbeat     = "worker.heartbeat"
	SettingWorkerConcurrency   = "worker.concurrency"
)

// APIKey is a public API credential.
type APIKey struct {
	ID         int64      `json:"id"`
	KeyHash    string     `json:"-"`
	KeyFull    string     `json:"key_full,omitempty"` // returned once at creation
	KeyPrefix  string     `json:"key_prefix"`
	Name       string     `json:"name"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}
