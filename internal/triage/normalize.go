package triage

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/imara/internal/provider"
	"github.com/linnemanlabs/imara/internal/router"
)

// FallbackSummary is the user-visible summary when no provider analysis
// is available.
const FallbackSummary = "Automated analysis unavailable; manual review recommended."

// FallbackAdvice accompanies degraded decisions.
const FallbackAdvice = "If you feel threatened, please contact local authorities directly. You can also try submitting again."

// rawAnalysis is the shape providers are asked to produce. Pointer
// fields distinguish absent from zero.
type rawAnalysis struct {
	RiskScore     *int   `json:"risk_score"`
	Action        string `json:"action"`
	Location      string `json:"location"`
	Summary       string `json:"summary"`
	Advice        string `json:"advice"`
	ThreatType    string `json:"threat_type"`
	ExtractedText string `json:"extracted_text"`
}

// Normalizer turns raw provider output into a Decision and applies the
// escalation policy.
type Normalizer struct {
	policy *Policy
	logger log.Logger
}

// NewNormalizer wires a normalizer. A nil policy disables overrides.
func NewNormalizer(policy *Policy, logger log.Logger) *Normalizer {
	if logger == nil {
		logger = log.Nop()
	}
	return &Normalizer{policy: policy, logger: logger}
}

// Normalize produces a Decision from a routing result. It never fails:
// unusable provider output yields the degraded fallback decision, and
// the policy override is applied in every path.
func (n *Normalizer) Normalize(ctx context.Context, res *router.Result, m provider.Modality) *Decision {
	d := n.decode(ctx, res, m)
	n.applyPolicy(ctx, d)
	return d
}

func (n *Normalizer) decode(ctx context.Context, res *router.Result, m provider.Modality) *Decision {
	if res == nil || res.Degraded || len(res.Raw) == 0 {
		return n.fallback(m, "")
	}

	var raw rawAnalysis
	if err := json.Unmarshal(res.Raw, &raw); err != nil {
		n.logger.Warn(ctx, "provider returned unparseable analysis",
			"provider", res.Provider, "error", err.Error())
		return n.fallback(m, res.Provider)
	}
	if raw.RiskScore == nil || raw.Action == "" || raw.Summary == "" {
		n.logger.Warn(ctx, "provider analysis missing required fields",
			"provider", res.Provider,
			"has_risk_score", raw.RiskScore != nil,
			"has_action", raw.Action != "",
			"has_summary", raw.Summary != "")
		return n.fallback(m, res.Provider)
	}

	score := clampRisk(*raw.RiskScore)

	// The action is derived from the clamped score rather than trusted
	// from the model, so score and action can never disagree.
	action := ActionAdvise
	if score >= ReportThreshold {
		action = ActionReport
	}
	if declared := strings.ToUpper(strings.TrimSpace(raw.Action)); declared != string(action) {
		n.logger.Info(ctx, "overriding declared action from risk score",
			"provider", res.Provider, "declared", declared, "derived", string(action), "risk_score", score)
	}

	return &Decision{
		RiskScore:     score,
		Action:        action,
		Location:      cleanLocation(raw.Location),
		Summary:       strings.TrimSpace(raw.Summary),
		Advice:        strings.TrimSpace(raw.Advice),
		ThreatType:    strings.ToLower(strings.TrimSpace(raw.ThreatType)),
		ExtractedText: strings.TrimSpace(raw.ExtractedText),
		Modality:      string(m),
		ProviderUsed:  res.Provider,
	}
}

// applyPolicy escalates the decision when a policy phrase matches. It
// applies to degraded decisions too, so a provider outage cannot mask a
// mandatory escalation.
func (n *Normalizer) applyPolicy(ctx context.Context, d *Decision) {
	if n.policy == nil {
		return
	}
	category, ok := n.policy.Match(d.Summary, d.ThreatType, d.ExtractedText)
	if !ok {
		return
	}
	if d.Action == ActionReport {
		return
	}
	n.logger.Info(ctx, "policy override escalated decision",
		"category", category, "risk_score", d.RiskScore)
	d.Action = ActionReport
	d.PolicyOverride = true
	if d.RiskScore < ReportThreshold {
		d.RiskScore = ReportThreshold
	}
	if d.ThreatType == "" {
		d.ThreatType = category
	}
}

func (n *Normalizer) fallback(m provider.Modality, providerName string) *Decision {
	return &Decision{
		RiskScore:    5,
		Action:       ActionAdvise,
		Summary:      FallbackSummary,
		Advice:       FallbackAdvice,
		ThreatType:   "unknown",
		Modality:     string(m),
		ProviderUsed: providerName,
		Degraded:     true,
	}
}

func clampRisk(score int) int {
	if score < 1 {
		return 1
	}
	if score > 10 {
		return 10
	}
	return score
}

// cleanLocation drops placeholder values models tend to emit.
func cleanLocation(loc string) string {
	loc = strings.TrimSpace(loc)
	switch strings.ToLower(loc) {
	case "", "unknown", "none", "n/a", "null":
		return ""
	}
	return loc
}
