package triage

import (
	"encoding/json"
	"time"

	"github.com/linnemanlabs/imara/internal/provider"
)

// Action is the user-facing outcome of a triage turn.
type Action string

const (
	ActionAdvise      Action = "ADVISE"
	ActionReport      Action = "REPORT"
	ActionAskLocation Action = "ASK_LOCATION"
	ActionCancelled   Action = "CANCELLED"
)

// ReportThreshold is the risk score at which a case escalates to
// REPORT.
const ReportThreshold = 7

// Decision is the normalized output of an analysis run.
type Decision struct {
	RiskScore      int    `json:"risk_score"`
	Action         Action `json:"action"`
	Location       string `json:"location,omitempty"`
	Summary        string `json:"summary"`
	Advice         string `json:"advice,omitempty"`
	ThreatType     string `json:"threat_type,omitempty"`
	ExtractedText  string `json:"extracted_text,omitempty"`
	Modality       string `json:"modality,omitempty"`
	ProviderUsed   string `json:"provider_used,omitempty"`
	Degraded       bool   `json:"degraded,omitempty"`
	PolicyOverride bool   `json:"policy_override,omitempty"`
}

// Event is one inbound user turn from any channel.
type Event struct {
	Channel        string
	ExternalUserID string
	Modality       provider.Modality
	PayloadRef     string
	Text           string
	Media          []byte
	MimeType       string
	LocationHint   string
	Email          string
	LanguageHint   string
}

// ActionPlan is what the caller (channel adapter) should do after a
// triage turn: the decided action plus the message to show the user.
type ActionPlan struct {
	Action           Action    `json:"action"`
	RiskScore        int       `json:"risk_score,omitempty"`
	Summary          string    `json:"summary,omitempty"`
	Advice           string    `json:"advice,omitempty"`
	CaseID           string    `json:"case_id,omitempty"`
	Degraded         bool      `json:"degraded,omitempty"`
	DispatchRequired bool      `json:"dispatch_required,omitempty"`
	Message          string    `json:"message,omitempty"`
	Decision         *Decision `json:"decision,omitempty"`
	At               time.Time `json:"at"`
}

// DispatchNotice carries everything a partner notifier needs for one
// escalated case.
type DispatchNotice struct {
	CaseID    string
	Decision  *Decision
	Location  string
	UserEmail string
	Channel   string
	ChainHash string
}

// encodeDecision renders a decision for the session's pending-report
// slot. Marshal of a plain struct cannot fail.
func encodeDecision(d *Decision) json.RawMessage {
	b, _ := json.Marshal(d)
	return b
}
