// Package triageapi exposes the triage engine and evidence ledger over
// HTTP.
package triageapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/imara/internal/ledger"
	"github.com/linnemanlabs/imara/internal/provider"
	"github.com/linnemanlabs/imara/internal/triage"
)

// TriageService defines the business operation the API needs.
type TriageService interface {
	Handle(ctx context.Context, ev *triage.Event) (*triage.ActionPlan, error)
}

// Evidence reads and verifies the case chain.
type Evidence interface {
	Links(ctx context.Context, caseID string) ([]ledger.ChainLink, error)
	Verify(ctx context.Context, caseID string) (*ledger.VerifyResult, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger   log.Logger
	svc      TriageService
	evidence Evidence
}

// New creates a new API handler.
func New(logger log.Logger, svc TriageService, evidence Evidence) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("triage service is required"))
	}
	if evidence == nil {
		panic(xerrors.New("evidence ledger is required"))
	}
	return &API{
		logger:   logger,
		svc:      svc,
		evidence: evidence,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", a.handleEvent)
		r.Get("/cases/{id}", a.handleGetCase)
		r.Get("/cases/{id}/verify", a.handleVerifyCase)
	})
}

// eventRequest is the wire shape of an inbound turn. Media arrives
// base64-encoded.
type eventRequest struct {
	Channel  string `json:"channel"`
	UserID   string `json:"user_id"`
	Modality string `json:"modality"`
	Text     string `json:"text,omitempty"`
	Media    string `json:"media,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Ref      string `json:"ref,omitempty"`
	Location string `json:"location,omitempty"`
	Email    string `json:"email,omitempty"`
	Language string `json:"language,omitempty"`
}

func (a *API) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	if req.Channel == "" || req.UserID == "" {
		http.Error(w, `{"error":"channel and user_id are required"}`, http.StatusBadRequest)
		return
	}

	modality := provider.Modality(req.Modality)
	if req.Modality == "" {
		modality = provider.ModalityText
	}
	switch modality {
	case provider.ModalityText, provider.ModalityImage, provider.ModalityAudio:
	default:
		http.Error(w, `{"error":"unknown modality"}`, http.StatusBadRequest)
		return
	}

	var media []byte
	if req.Media != "" {
		var err error
		media, err = base64.StdEncoding.DecodeString(req.Media)
		if err != nil {
			http.Error(w, `{"error":"media must be base64"}`, http.StatusBadRequest)
			return
		}
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("imara.event.channel", req.Channel),
		attribute.String("imara.event.modality", string(modality)),
	)

	plan, err := a.svc.Handle(r.Context(), &triage.Event{
		Channel:        req.Channel,
		ExternalUserID: req.UserID,
		Modality:       modality,
		PayloadRef:     req.Ref,
		Text:           req.Text,
		Media:          media,
		MimeType:       req.MimeType,
		LocationHint:   req.Location,
		Email:          req.Email,
		LanguageHint:   req.Language,
	})
	if err != nil {
		a.logger.Error(r.Context(), err, "event handling failed", "channel", req.Channel)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	span.SetAttributes(attribute.String("imara.plan.action", string(plan.Action)))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(plan)
}

func (a *API) handleGetCase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("imara.case.id", id))

	links, err := a.evidence.Links(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to load case chain", "case_id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if len(links) == 0 {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"case_id": id,
		"links":   links,
	})
}

func (a *API) handleVerifyCase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("imara.case.id", id))

	res, err := a.evidence.Verify(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "chain verification failed", "case_id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	span.SetAttributes(attribute.Bool("imara.case.valid", res.Valid))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}
