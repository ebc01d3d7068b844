package store

// ExpectationType classifies what an expectation verifies.
type ExpectationType string

const (
	TypeSchedule  ExpectationType = "schedule"
	TypeAlertPath ExpectationType = "alert_path"
)

// ValidType reports whether t is a known expectation type.
func ValidType(t ExpectationType) bool {
	return t == TypeSchedule || t == TypeAlertPath
}

// ObservationKind classifies one instrumented event.
type ObservationKind string

const (
	KindStart ObservationKind = "start"
	KindEnd   ObservationKind = "end"
	KindPing  ObservationKind = "ping"
	KindAck   ObservationKind = "ack"
)

// ValidKind reports whether k is a known observation kind.
func ValidKind(k ObservationKind) bool {
	switch k {
	case KindStart, KindEnd, KindPing, KindAck:
		return true
	default:
		return false
	}
}

// TrialStatus is the lifecycle state of a synthetic alert trial.
// Transitions form a DAG: pending -> acked | expired.
type TrialStatus string

const (
	TrialPending TrialStatus = "pending"
	TrialAcked   TrialStatus = "acked"
	TrialExpired TrialStatus = "expired"
)

// Violation codes. Each code has at most one open violation row per
// expectation at any instant.
const (
	CodeMissed      = "missed"
	CodeLongrun     = "longrun"
	CodeOverlap     = "overlap"
	CodeSpacing     = "spacing"
	CodeNoAck       = "no_ack"
	CodeConfigError = "config_error"
)

// Expectation is a declared rule about how often a job should run or how
// promptly an alert path should be acknowledged. Identity is immutable;
// only the enabled flag changes after creation.
type Expectation struct {
	ID                string          `json:"id"`
	Type              ExpectationType `json:"type"`
	Name              string          `json:"name"`
	OwnerContact      string          `json:"owner_contact"`
	ExpectedIntervalS int64           `json:"expected_interval_s"`
	ToleranceS        int64           `json:"tolerance_s"`
	ParamsJSON        string          `json:"params_json"`
	Enabled           bool            `json:"enabled"`
	CreatedAt         int64           `json:"created_at"`
	UpdatedAt         int64           `json:"updated_at"`
}

// Observation is one append-only record of an instrumented event. The
// timestamp is stamped by the store at insert, never client-supplied.
type Observation struct {
	Seq           int64           `json:"seq"`
	ExpectationID string          `json:"expectation_id"`
	Kind          ObservationKind `json:"kind"`
	ObservedAt    int64           `json:"observed_at"`
	Meta          string          `json:"meta,omitempty"`
}

// AlertTrial is a synthetic alert injected to prove a delivery path works
// end to end.
type AlertTrial struct {
	ID            string      `json:"id"`
	ExpectationID string      `json:"expectation_id"`
	SentAt        int64       `json:"sent_at"`
	AckedAt       *int64      `json:"acked_at,omitempty"`
	Status        TrialStatus `json:"status"`
	Meta          string      `json:"meta,omitempty"`
}

// Violation asserts, with cited evidence, that an expectation's constraint
// is currently breached. Once closed a row never reopens; a recurrence
// opens a new row.
type Violation struct {
	ID             int64  `json:"id"`
	ExpectationID  string `json:"expectation_id"`
	Code           string `json:"code"`
	DetectedAt     int64  `json:"detected_at"`
	Message        string `json:"message"`
	EvidenceJSON   string `json:"evidence"`
	IsOpen         bool   `json:"is_open"`
	LastNotifiedAt *int64 `json:"last_notified_at,omitempty"`
}
