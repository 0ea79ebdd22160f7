package store

import (
	"encoding/json"
	"time"
)

// Device registry statuses.
const (
	DeviceActive  = "ACTIVE"
	DeviceRevoked = "REVOKED"
	DeviceDeleted = "DELETED"
)

// Message types carried on the telemetry topic.
const (
	MsgTelemetry = "telemetry"
	MsgHeartbeat = "heartbeat"
)

// Device liveness statuses.
const (
	StateOnline  = "ONLINE"
	StateStale   = "STALE"
	StateOffline = "OFFLINE"
)

// Alert statuses.
const (
	AlertOpen         = "OPEN"
	AlertAcknowledged = "ACKNOWLEDGED"
	AlertClosed       = "CLOSED"
)

// Alert types.
const (
	AlertNoHeartbeat = "NO_HEARTBEAT"
	AlertThreshold   = "THRESHOLD"
	AlertWindow      = "WINDOW"
	AlertAnomaly     = "ANOMALY"
	AlertNoTelemetry = "NO_TELEMETRY"
)

// Rule types.
const (
	RuleThreshold    = "threshold"
	RuleWindow       = "window"
	RuleAnomaly      = "anomaly"
	RuleTelemetryGap = "telemetry_gap"
)

// Integration kinds.
const (
	KindWebhook = "webhook"
	KindSNMP    = "snmp"
	KindEmail   = "email"
	KindMQTT    = "mqtt"
	KindSlack   = "slack"
)

// Delivery job statuses.
const (
	JobPending    = "PENDING"
	JobProcessing = "PROCESSING"
	JobCompleted  = "COMPLETED"
	JobFailed     = "FAILED"
)

// Delivery events.
const (
	EventOpen      = "OPEN"
	EventClosed    = "CLOSED"
	EventEscalated = "ESCALATED"
	EventDigest    = "DIGEST"
)

// RegistryEntry is one row of device_registry: the provisioning record
// ingest authorizes against.
type RegistryEntry struct {
	TenantID           string
	DeviceID           string
	SiteID             string
	Status             string
	ProvisionTokenHash string
	Metadata           json.RawMessage
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TelemetryRecord is one validated sample bound for the telemetry
// hypertable. IngestedAt preserves arrival time separately from the
// device-reported Time.
type TelemetryRecord struct {
	Time       time.Time
	TenantID   string
	DeviceID   string
	SiteID     string
	MsgType    string
	Seq        int64
	Metrics    map[string]float64
	IngestedAt time.Time
}

// DeviceState is the evaluator-maintained liveness row. The shadow
// columns (desired/reported state) are owned by out-of-scope APIs; the
// evaluator upsert leaves them untouched.
type DeviceState struct {
	TenantID          string
	DeviceID          string
	Status            string
	LastHeartbeatAt   *time.Time
	LastTelemetryAt   *time.Time
	LastSeenAt        *time.Time
	LastStateChangeAt *time.Time
	LatestMetrics     map[string]float64
	DesiredState      json.RawMessage
	ReportedState     json.RawMessage
	DesiredVersion    int64
	ReportedVersion   int64
	ShadowUpdatedAt   *time.Time
}

// AlertRule is a tenant's configured evaluation rule. Conditions holds
// the rule_type-specific parameters as JSON.
type AlertRule struct {
	ID                string
	TenantID          string
	Name              string
	RuleType          string
	Enabled           bool
	MetricName        string
	Operator          string
	Threshold         float64
	Severity          int
	SiteIDs           []string
	GroupIDs          []string
	Conditions        json.RawMessage
	MatchMode         string
	DurationSeconds   int
	Aggregation       string
	WindowSeconds     int
	EscalationMinutes int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// FleetAlert is one alert instance. At most one row per
// (tenant, fingerprint) may be OPEN or ACKNOWLEDGED.
type FleetAlert struct {
	ID              string
	TenantID        string
	SiteID          string
	DeviceID        string
	AlertType       string
	Fingerprint     string
	Status          string
	Severity        int
	Confidence      float64
	Summary         string
	Details         json.RawMessage
	RuleID          *string
	TriggerCount    int
	CreatedAt       time.Time
	LastTriggeredAt time.Time
	ClosedAt        *time.Time
	SilencedUntil   *time.Time
	AcknowledgedBy  *string
	AcknowledgedAt  *time.Time
	EscalationLevel int
	EscalatedAt     *time.Time
}

// Integration is an external sink owned by a tenant. Config is the
// kind-specific object, validated by the delivery worker on load.
type Integration struct {
	ID        string
	TenantID  string
	Kind      string
	Name      string
	Enabled   bool
	Config    json.RawMessage
	CreatedAt time.Time
}

// Route filters alerts onto an integration.
type Route struct {
	ID             string
	TenantID       string
	Name           string
	IntegrationID  string
	Enabled        bool
	Priority       int
	MinSeverity    *int
	AlertTypes     []string
	SiteIDs        []string
	DevicePrefixes []string
	DeliverOn      []string
	FilterCEL      *string
	CreatedAt      time.Time
}

// DeliveryJob is a leased unit of delivery work. AlertID and RouteID are
// nil only for DIGEST jobs; DigestPeriodEnd is set only for them.
type DeliveryJob struct {
	ID              string
	TenantID        string
	AlertID         *string
	IntegrationID   string
	RouteID         *string
	DeliverOnEvent  string
	Status          string
	Attempts        int
	NextRunAt       time.Time
	LastError       *string
	Payload         json.RawMessage
	DigestPeriodEnd *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DeliveryAttempt is the immutable log of one delivery try.
type DeliveryAttempt struct {
	ID         string
	JobID      string
	AttemptNo  int
	OK         bool
	HTTPStatus *int
	LatencyMS  int64
	Error      *string
	StartedAt  time.Time
	FinishedAt time.Time
}

// QuarantineEvent is one rejected inbound message. Payload is retained
// only when the runtime settings permit it.
type QuarantineEvent struct {
	ID        string
	TenantID  string
	DeviceID  string
	Reason    string
	Topic     string
	Payload   []byte
	Detail    string
	CreatedAt time.Time
}

// MetricMapping renames a raw device metric to a normalized name via a
// linear transform.
type MetricMapping struct {
	ID             string
	TenantID       string
	NormalizedName string
	RawName        string
	Multiplier     float64
	AddOffset      float64
	Priority       int
	Enabled        bool
	CreatedAt      time.Time
}

// MaintenanceWindow suppresses new alert openings while active.
type MaintenanceWindow struct {
	ID          string
	TenantID    string
	Name        string
	Enabled     bool
	StartsAt    time.Time
	EndsAt      *time.Time
	Recurring   bool
	DaysOfWeek  []int64
	StartHour   int
	EndHour     int
	SiteIDs     []string
	DeviceTypes []string
	CreatedAt   time.Time
}

// DigestSettings drives the periodic alert digest for a tenant.
type DigestSettings struct {
	TenantID        string
	Enabled         bool
	IntegrationID   string
	IntervalMinutes int
	MinSeverity     *int
	LastSentAt      *time.Time
}

// DeviceRollup is the evaluator's per-device snapshot: registry status
// joined with the latest telemetry and heartbeat timestamps. DeviceType
// is the registry metadata "type" key, empty when unset; maintenance
// window device_types filters match against it.
type DeviceRollup struct {
	TenantID        string
	DeviceID        string
	SiteID          string
	DeviceType      string
	RegistryStatus  string
	LastHeartbeatAt *time.Time
	LastTelemetryAt *time.Time
	LatestMetrics   map[string]float64
}

// AlertView is the delivery payload serialized into delivery_jobs.
// Event mirrors the job's deliver_on_event so receivers can de-dup on
// (alert_id, event) without inspecting job rows.
type AlertView struct {
	AlertID         string          `json:"alert_id"`
	Event           string          `json:"event"`
	SiteID          string          `json:"site_id"`
	DeviceID        string          `json:"device_id"`
	AlertType       string          `json:"alert_type"`
	Severity        int             `json:"severity"`
	Confidence      float64         `json:"confidence"`
	Summary         string          `json:"summary"`
	Status          string          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	Details         json.RawMessage `json:"details,omitempty"`
	Escalated       bool            `json:"escalated,omitempty"`
	EscalationLevel int             `json:"escalation_level,omitempty"`
}

// DigestView is the payload of a DIGEST delivery job: every alert the
// tenant opened in the period, already filtered by the digest settings.
type DigestView struct {
	TenantID    string      `json:"tenant_id"`
	Event       string      `json:"event"`
	PeriodStart time.Time   `json:"period_start"`
	PeriodEnd   time.Time   `json:"period_end"`
	AlertCount  int         `json:"alert_count"`
	Alerts      []AlertView `json:"alerts"`
}
