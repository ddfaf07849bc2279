package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/imara/internal/ledger"
	"github.com/linnemanlabs/imara/internal/provider"
	"github.com/linnemanlabs/imara/internal/router"
	"github.com/linnemanlabs/imara/internal/session"
)

// Router routes an analysis request through a provider fallback chain.
type Router interface {
	Route(ctx context.Context, m provider.Modality, req *provider.Request) *router.Result
}

// Notifier delivers escalated cases to a support partner and confirms
// submission to the user.
type Notifier interface {
	SendForensicAlert(ctx context.Context, n *DispatchNotice) error
	SendUserConfirmation(ctx context.Context, n *DispatchNotice) error
}

// DecisionEvent summarizes one completed triage turn for metrics.
type DecisionEvent struct {
	Action         Action
	Modality       string
	Provider       string
	RiskScore      int
	Degraded       bool
	PolicyOverride bool
	Duration       float64
}

// EngineHooks lets callers observe engine activity without coupling the
// engine to a metrics backend.
type EngineHooks struct {
	OnDecision   func(e *DecisionEvent)
	OnSafeWord   func()
	OnSuppressed func()
	OnDispatch   func(outcome string)
}

// EngineConfig wires an Engine.
type EngineConfig struct {
	Router       Router
	Normalizer   *Normalizer
	Ledger       *ledger.Ledger
	Sessions     *session.Arena
	Notifier     Notifier
	Logger       log.Logger
	Hooks        EngineHooks
	SafeWords    []string
	CancelWindow time.Duration
}

// Engine runs the triage turn: safe-word handling, analysis routing,
// normalization, evidence recording, and dispatch.
type Engine struct {
	router       Router
	normalizer   *Normalizer
	ledger       *ledger.Ledger
	sessions     *session.Arena
	notifier     Notifier
	logger       log.Logger
	hooks        EngineHooks
	safeWords    []string
	cancelWindow time.Duration
	now          func() time.Time
	newCaseID    func() string
}

// NewEngine validates the wiring and returns a ready engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Router == nil {
		return nil, errors.New("triage: router is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("triage: ledger is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("triage: session arena is required")
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = NewNormalizer(nil, cfg.Logger)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	if len(cfg.SafeWords) == 0 {
		cfg.SafeWords = session.DefaultSafeWords
	}
	if cfg.CancelWindow <= 0 {
		cfg.CancelWindow = session.DefaultCancelWindow
	}
	return &Engine{
		router:       cfg.Router,
		normalizer:   cfg.Normalizer,
		ledger:       cfg.Ledger,
		sessions:     cfg.Sessions,
		notifier:     cfg.Notifier,
		logger:       cfg.Logger,
		hooks:        cfg.Hooks,
		safeWords:    cfg.SafeWords,
		cancelWindow: cfg.CancelWindow,
		now:          time.Now,
		newCaseID:    func() string { return ulid.Make().String() },
	}, nil
}

// preamble is what the session phase decides before any provider call.
type preamble struct {
	plan         *ActionPlan // terminal plan decided under the lock, if any
	pending      *session.PendingReport
	locationText string
	lang         string
	lastLocation string
}

// Handle processes one inbound turn and returns the action plan for
// the channel adapter. It only errors on infrastructure failure;
// analysis problems degrade instead.
func (e *Engine) Handle(ctx context.Context, ev *Event) (*ActionPlan, error) {
	if ev == nil {
		return nil, errors.New("triage: nil event")
	}
	key := session.Key{Channel: ev.Channel, UserID: ev.ExternalUserID}
	now := e.now()
	text := session.Sanitize(ev.Text)
	L := e.logger.With("channel", ev.Channel, "modality", string(ev.Modality))

	pre, err := e.sessionPreamble(ctx, key, ev, text, now)
	if err != nil {
		return nil, err
	}
	if pre.plan != nil {
		return pre.plan, nil
	}
	if pre.pending != nil {
		return e.completePendingReport(ctx, key, ev, pre)
	}

	if text == "" && len(ev.Media) == 0 {
		return e.noEvidencePlan(now), nil
	}

	start := e.now()
	caseID := e.newCaseID()
	decision, artifact := e.analyze(ctx, ev, text, caseID)

	if decision.Location == "" {
		if ev.LocationHint != "" {
			decision.Location = strings.TrimSpace(ev.LocationHint)
		} else if pre.lastLocation != "" {
			decision.Location = pre.lastLocation
		}
	}

	if _, err := e.ledger.Record(ctx, caseID, artifact, decision); err != nil {
		return nil, fmt.Errorf("record evidence for case %s: %w", caseID, err)
	}

	if e.hooks.OnDecision != nil {
		e.hooks.OnDecision(&DecisionEvent{
			Action:         decision.Action,
			Modality:       decision.Modality,
			Provider:       decision.ProviderUsed,
			RiskScore:      decision.RiskScore,
			Degraded:       decision.Degraded,
			PolicyOverride: decision.PolicyOverride,
			Duration:       e.now().Sub(start).Seconds(),
		})
	}
	L.Info(ctx, "triage decision",
		"case_id", caseID,
		"action", string(decision.Action),
		"risk_score", decision.RiskScore,
		"provider", decision.ProviderUsed,
		"degraded", decision.Degraded,
		"policy_override", decision.PolicyOverride,
	)

	return e.deliver(ctx, key, ev, caseID, decision)
}

// sessionPreamble runs the first session-locked phase: safe words,
// active cancellation, and awaiting-location pickup.
func (e *Engine) sessionPreamble(ctx context.Context, key session.Key, ev *Event, text string, now time.Time) (*preamble, error) {
	pre := &preamble{}
	err := e.sessions.With(key, func(s *session.Session) error {
		if ev.LanguageHint != "" {
			s.LanguageHint = ev.LanguageHint
		}
		if ev.LocationHint != "" {
			s.LastLocation = strings.TrimSpace(ev.LocationHint)
		}
		pre.lang = s.LanguageHint
		pre.lastLocation = s.LastLocation

		if session.IsSafeWord(text, e.safeWords) {
			s.Cancel(now, e.cancelWindow)
			s.Append("user", text, now)
			msg := session.SafetyMessage(s.LanguageHint)
			s.Append("imara", msg, now)
			if e.hooks.OnSafeWord != nil {
				e.hooks.OnSafeWord()
			}
			e.logger.Info(ctx, "safe word received, session cancelled",
				"channel", key.Channel)
			pre.plan = &ActionPlan{Action: ActionCancelled, Message: msg, At: now}
			return nil
		}

		if s.IsCancelled(now) {
			pre.plan = &ActionPlan{
				Action:  ActionCancelled,
				Message: session.SafetyMessage(s.LanguageHint),
				At:      now,
			}
			return nil
		}

		if s.State == session.StateAwaitingLocation && ev.Modality == provider.ModalityText && text != "" {
			p := s.CompleteLocation()
			if p != nil {
				var d Decision
				if err := p.DecodeDecision(&d); err != nil {
					// Unrecoverable pending state: start over cleanly.
					e.logger.Error(ctx, err, "dropping corrupt pending report", "case_id", p.CaseID)
					s.Reset()
				} else {
					s.LastLocation = text
					s.Append("user", text, now)
					pre.pending = p
					pre.locationText = text
					pre.lastLocation = text
					return nil
				}
			}
		}

		if text != "" {
			s.Append("user", text, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pre, nil
}

// analyze routes the event through the right provider chain and
// normalizes the result. Audio is transcribed first, then the
// transcript goes through the text chain.
func (e *Engine) analyze(ctx context.Context, ev *Event, text, caseID string) (*Decision, ledger.Artifact) {
	switch ev.Modality {
	case provider.ModalityAudio:
		return e.analyzeAudio(ctx, ev, caseID)
	case provider.ModalityImage:
		// Hash the evidence before it reaches any provider.
		artifact := ledger.NewArtifact(ev.PayloadRef, ev.Media, "")
		res := e.router.Route(ctx, provider.ModalityImage, &provider.Request{
			Modality: provider.ModalityImage,
			Media:    ev.Media,
			MimeType: ev.MimeType,
		})
		d := e.normalizer.Normalize(ctx, res, provider.ModalityImage)
		artifact.DerivedText = d.ExtractedText
		return d, artifact
	default:
		artifact := ledger.NewArtifact(ev.PayloadRef, nil, text)
		res := e.router.Route(ctx, provider.ModalityText, &provider.Request{
			Modality: provider.ModalityText,
			Text:     text,
		})
		d := e.normalizer.Normalize(ctx, res, provider.ModalityText)
		return d, artifact
	}
}

func (e *Engine) analyzeAudio(ctx context.Context, ev *Event, caseID string) (*Decision, ledger.Artifact) {
	artifact := ledger.NewArtifact(ev.PayloadRef, ev.Media, "")

	res := e.router.Route(ctx, provider.ModalityAudio, &provider.Request{
		Modality: provider.ModalityAudio,
		Media:    ev.Media,
		MimeType: ev.MimeType,
	})
	if res.Degraded {
		d := e.normalizer.Normalize(ctx, res, provider.ModalityAudio)
		return d, artifact
	}

	var tr struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(res.Raw, &tr); err != nil {
		e.logger.Warn(ctx, "unparseable transcription payload",
			"provider", res.Provider, "case_id", caseID, "error", err.Error())
		d := e.normalizer.Normalize(ctx, &router.Result{Degraded: true}, provider.ModalityAudio)
		return d, artifact
	}

	transcript := session.Sanitize(tr.Text)
	if transcript == "" {
		return &Decision{
			RiskScore:    1,
			Action:       ActionAdvise,
			Summary:      "No speech detected in the audio",
			Advice:       "Please submit a clearer audio recording if needed.",
			ThreatType:   "none",
			Modality:     string(provider.ModalityAudio),
			ProviderUsed: res.Provider,
		}, artifact
	}

	textRes := e.router.Route(ctx, provider.ModalityText, &provider.Request{
		Modality: provider.ModalityText,
		Text:     transcript,
	})
	d := e.normalizer.Normalize(ctx, textRes, provider.ModalityText)
	d.Modality = string(provider.ModalityAudio)
	d.ExtractedText = transcript
	return d, artifact
}

// deliver is the output boundary: it re-checks cancellation under the
// session lock before any user-visible effect, then either asks for a
// location, dispatches, or advises.
func (e *Engine) deliver(ctx context.Context, key session.Key, ev *Event, caseID string, d *Decision) (*ActionPlan, error) {
	now := e.now()
	var plan *ActionPlan
	var notice *DispatchNotice

	err := e.sessions.With(key, func(s *session.Session) error {
		if s.IsCancelled(now) {
			// A safe word arrived while analysis was running. The
			// decision stays in the ledger but nothing reaches the user
			// and nothing is dispatched.
			if e.hooks.OnSuppressed != nil {
				e.hooks.OnSuppressed()
			}
			e.logger.Info(ctx, "output suppressed by cancellation", "case_id", caseID)
			plan = &ActionPlan{Action: ActionCancelled, CaseID: caseID, At: now}
			return nil
		}

		if d.Action == ActionReport {
			location := d.Location
			if location == "" {
				location = s.LastLocation
			}
			if location == "" {
				s.AwaitLocation(&session.PendingReport{
					CaseID:    caseID,
					Decision:  encodeDecision(d),
					Email:     ev.Email,
					CreatedAt: now,
				})
				msg := session.LocationPrompt(s.LanguageHint)
				s.Append("imara", msg, now)
				plan = &ActionPlan{
					Action:    ActionAskLocation,
					RiskScore: d.RiskScore,
					Summary:   d.Summary,
					CaseID:    caseID,
					Degraded:  d.Degraded,
					Message:   msg,
					Decision:  d,
					At:        now,
				}
				return nil
			}
			d.Location = location
			notice = &DispatchNotice{
				CaseID:    caseID,
				Decision:  d,
				Location:  location,
				UserEmail: ev.Email,
				Channel:   ev.Channel,
			}
			msg := reportConfirmation(caseID)
			s.Append("imara", msg, now)
			plan = &ActionPlan{
				Action:           ActionReport,
				RiskScore:        d.RiskScore,
				Summary:          d.Summary,
				Advice:           d.Advice,
				CaseID:           caseID,
				Degraded:         d.Degraded,
				DispatchRequired: true,
				Message:          msg,
				Decision:         d,
				At:               now,
			}
			return nil
		}

		msg := adviseMessage(d)
		s.Append("imara", msg, now)
		plan = &ActionPlan{
			Action:    ActionAdvise,
			RiskScore: d.RiskScore,
			Summary:   d.Summary,
			Advice:    d.Advice,
			CaseID:    caseID,
			Degraded:  d.Degraded,
			Message:   msg,
			Decision:  d,
			At:        now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if notice != nil {
		e.dispatch(ctx, notice)
	}
	return plan, nil
}

// completePendingReport records the location answer as a new chain link
// and dispatches the previously parked report.
func (e *Engine) completePendingReport(ctx context.Context, key session.Key, ev *Event, pre *preamble) (*ActionPlan, error) {
	now := e.now()
	p := pre.pending

	var d Decision
	if err := p.DecodeDecision(&d); err != nil {
		return nil, err // checked in the preamble; unreachable in practice
	}
	d.Location = pre.locationText

	artifact := ledger.NewArtifact("", nil, pre.locationText)
	if _, err := e.ledger.Record(ctx, p.CaseID, artifact, &d); err != nil {
		return nil, fmt.Errorf("record location for case %s: %w", p.CaseID, err)
	}

	email := p.Email
	if email == "" {
		email = ev.Email
	}

	var plan *ActionPlan
	suppressed := false
	err := e.sessions.With(key, func(s *session.Session) error {
		if s.IsCancelled(now) {
			suppressed = true
			if e.hooks.OnSuppressed != nil {
				e.hooks.OnSuppressed()
			}
			plan = &ActionPlan{Action: ActionCancelled, CaseID: p.CaseID, At: now}
			return nil
		}
		msg := reportConfirmation(p.CaseID)
		s.Append("imara", msg, now)
		plan = &ActionPlan{
			Action:           ActionReport,
			RiskScore:        d.RiskScore,
			Summary:          d.Summary,
			Advice:           d.Advice,
			CaseID:           p.CaseID,
			DispatchRequired: true,
			Message:          msg,
			Decision:         &d,
			At:               now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !suppressed {
		e.dispatch(ctx, &DispatchNotice{
			CaseID:    p.CaseID,
			Decision:  &d,
			Location:  pre.locationText,
			UserEmail: email,
			Channel:   ev.Channel,
		})
	}
	return plan, nil
}

// dispatch notifies the partner, gated on an intact evidence chain. A
// case whose chain head cannot be read is logged and held back; the
// user still gets their confirmation.
func (e *Engine) dispatch(ctx context.Context, n *DispatchNotice) {
	if e.notifier == nil {
		return
	}

	head, err := e.ledger.Head(ctx, n.CaseID)
	if err != nil {
		e.logger.Error(ctx, err, "dispatch held: evidence chain unavailable", "case_id", n.CaseID)
		if e.hooks.OnDispatch != nil {
			e.hooks.OnDispatch("held")
		}
		return
	}
	n.ChainHash = head.ChainHash

	if err := e.notifier.SendForensicAlert(ctx, n); err != nil {
		e.logger.Error(ctx, err, "forensic alert failed", "case_id", n.CaseID)
		if e.hooks.OnDispatch != nil {
			e.hooks.OnDispatch("error")
		}
		return
	}
	if n.UserEmail != "" {
		if err := e.notifier.SendUserConfirmation(ctx, n); err != nil {
			e.logger.Warn(ctx, "user confirmation failed",
				"case_id", n.CaseID, "error", err.Error())
		}
	}
	if e.hooks.OnDispatch != nil {
		e.hooks.OnDispatch("sent")
	}
	e.logger.Info(ctx, "case dispatched", "case_id", n.CaseID, "channel", n.Channel)
}

func (e *Engine) noEvidencePlan(now time.Time) *ActionPlan {
	return &ActionPlan{
		Action:  ActionAdvise,
		Summary: "No evidence provided for analysis",
		Message: "Please provide a message, screenshot, or voice note to analyze.",
		At:      now,
	}
}

func adviseMessage(d *Decision) string {
	if d.Advice != "" {
		return d.Advice
	}
	return d.Summary
}

func reportConfirmation(caseID string) string {
	return fmt.Sprintf("✅ Your report has been submitted to a support partner for review. Case reference: %s. Keep this reference for follow-up.", caseID)
}
