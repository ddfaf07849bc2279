package triage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/imara/internal/ledger"
	"github.com/linnemanlabs/imara/internal/ledger/memstore"
	"github.com/linnemanlabs/imara/internal/provider"
	"github.com/linnemanlabs/imara/internal/router"
	"github.com/linnemanlabs/imara/internal/session"

	"github.com/linnemanlabs/go-core/log"
)

type routeFunc func(ctx context.Context, m provider.Modality, req *provider.Request) *router.Result

// mockRouter scripts routing results and counts calls per modality.
type mockRouter struct {
	mu    sync.Mutex
	fn    routeFunc
	calls []provider.Modality
}

func (r *mockRouter) Route(ctx context.Context, m provider.Modality, req *provider.Request) *router.Result {
	r.mu.Lock()
	r.calls = append(r.calls, m)
	fn := r.fn
	r.mu.Unlock()
	if fn == nil {
		return &router.Result{Degraded: true}
	}
	return fn(ctx, m, req)
}

func (r *mockRouter) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type mockNotifier struct {
	mu            sync.Mutex
	alerts        []*DispatchNotice
	confirmations []*DispatchNotice
	alertErr      error
}

func (n *mockNotifier) SendForensicAlert(_ context.Context, d *DispatchNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.alertErr != nil {
		return n.alertErr
	}
	n.alerts = append(n.alerts, d)
	return nil
}

func (n *mockNotifier) SendUserConfirmation(_ context.Context, d *DispatchNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmations = append(n.confirmations, d)
	return nil
}

func (n *mockNotifier) alertCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

func analysisRaw(t *testing.T, score int, action, summary string, extra map[string]any) json.RawMessage {
	t.Helper()
	body := map[string]any{"risk_score": score, "action": action, "summary": summary}
	for k, v := range extra {
		body[k] = v
	}
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

type testEnv struct {
	engine   *Engine
	router   *mockRouter
	notifier *mockNotifier
	ledger   *ledger.Ledger
	store    *memstore.Store
	arena    *session.Arena
}

func newTestEnv(t *testing.T, fn routeFunc) *testEnv {
	t.Helper()
	store := memstore.New()
	led := ledger.New(store, log.Nop())
	rt := &mockRouter{fn: fn}
	nt := &mockNotifier{}
	arena := session.NewArena()
	eng, err := NewEngine(EngineConfig{
		Router:     rt,
		Normalizer: NewNormalizer(DefaultPolicy(), nil),
		Ledger:     led,
		Sessions:   arena,
		Notifier:   nt,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return &testEnv{engine: eng, router: rt, notifier: nt, ledger: led, store: store, arena: arena}
}

func textEvent(text string) *Event {
	return &Event{
		Channel:        "telegram",
		ExternalUserID: "user-1",
		Modality:       provider.ModalityText,
		Text:           text,
	}
}

func TestHandle_LowRiskAdvises(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(_ context.Context, m provider.Modality, _ *provider.Request) *router.Result {
		return &router.Result{
			Raw:      analysisRaw(t, 2, "ADVISE", "mild harassment", map[string]any{"advice": "block the sender"}),
			Provider: "groq",
		}
	})

	plan, err := env.engine.Handle(context.Background(), textEvent("someone keeps messaging me"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if plan.Action != ActionAdvise {
		t.Errorf("action = %s, want ADVISE", plan.Action)
	}
	if plan.RiskScore != 2 || plan.Message != "block the sender" {
		t.Errorf("plan = %+v", plan)
	}
	if env.notifier.alertCount() != 0 {
		t.Error("low-risk turn must not dispatch")
	}

	res, err := env.ledger.Verify(context.Background(), plan.CaseID)
	if err != nil || !res.Valid || res.Links != 1 {
		t.Errorf("ledger verify = %+v err=%v, want 1 valid link", res, err)
	}
}

func TestHandle_HighRiskWithLocationDispatches(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(_ context.Context, m provider.Modality, _ *provider.Request) *router.Result {
		return &router.Result{
			Raw: analysisRaw(t, 9, "REPORT", "explicit threat", map[string]any{
				"location": "Lagos, Nigeria",
			}),
			Provider: "groq",
		}
	})

	ev := textEvent("he said he will come to my house")
	ev.Email = "victim@example.org"
	plan, err := env.engine.Handle(context.Background(), ev)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if plan.Action != ActionReport || !plan.DispatchRequired {
		t.Fatalf("plan = %+v, want dispatched REPORT", plan)
	}
	if env.notifier.alertCount() != 1 {
		t.Fatalf("alerts = %d, want 1", env.notifier.alertCount())
	}

	notice := env.notifier.alerts[0]
	if notice.Location != "Lagos, Nigeria" || notice.CaseID != plan.CaseID {
		t.Errorf("notice = %+v", notice)
	}
	if notice.ChainHash == "" {
		t.Error("dispatch notice must carry the chain head hash")
	}
	if len(env.notifier.confirmations) != 1 {
		t.Error("user with email should get a confirmation")
	}
}

func TestHandle_HighRiskWithoutLocationAsksOnce(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(_ context.Context, m provider.Modality, _ *provider.Request) *router.Result {
		return &router.Result{
			Raw:      analysisRaw(t, 8, "REPORT", "doxing threat", nil),
			Provider: "groq",
		}
	})
	ctx := context.Background()

	plan, err := env.engine.Handle(ctx, textEvent("they posted screenshots of my chats"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if plan.Action != ActionAskLocation {
		t.Fatalf("action = %s, want ASK_LOCATION", plan.Action)
	}
	if env.notifier.alertCount() != 0 {
		t.Fatal("must not dispatch before the location arrives")
	}
	caseID := plan.CaseID

	// The next message is the location answer, not a fresh case.
	plan2, err := env.engine.Handle(ctx, textEvent("Nairobi, Kenya"))
	if err != nil {
		t.Fatalf("Handle location answer: %v", err)
	}
	if plan2.Action != ActionReport || plan2.CaseID != caseID {
		t.Fatalf("plan2 = %+v, want REPORT for case %s", plan2, caseID)
	}
	if env.router.callCount() != 1 {
		t.Errorf("router calls = %d, want 1 (location answer is not re-analyzed)", env.router.callCount())
	}
	if env.notifier.alertCount() != 1 {
		t.Fatalf("alerts = %d, want 1", env.notifier.alertCount())
	}
	if env.notifier.alerts[0].Location != "Nairobi, Kenya" {
		t.Errorf("dispatched location = %q", env.notifier.alerts[0].Location)
	}

	// Both the original evidence and the location answer are chained.
	res, err := env.ledger.Verify(ctx, caseID)
	if err != nil || !res.Valid || res.Links != 2 {
		t.Errorf("ledger verify = %+v err=%v, want 2 valid links", res, err)
	}
}

func TestHandle_ReusesLastKnownLocation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(_ context.Context, m provider.Modality, _ *provider.Request) *router.Result {
		return &router.Result{
			Raw:      analysisRaw(t, 9, "REPORT", "threat", nil),
			Provider: "groq",
		}
	})
	ctx := context.Background()

	ev := textEvent("new threats again")
	ev.LocationHint = "Accra, Ghana"
	if _, err := env.engine.Handle(ctx, ev); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if env.notifier.alertCount() != 1 {
		t.Fatal("expected immediate dispatch with location hint")
	}

	// A later report from the same user skips the location prompt.
	plan, err := env.engine.Handle(ctx, textEvent("it is getting worse"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if plan.Action != ActionReport {
		t.Errorf("action = %s, want REPORT using remembered location", plan.Action)
	}
	if env.notifier.alertCount() != 2 {
		t.Errorf("alerts = %d, want 2", env.notifier.alertCount())
	}
	if env.notifier.alerts[1].Location != "Accra, Ghana" {
		t.Errorf("location = %q, want remembered Accra, Ghana", env.notifier.alerts[1].Location)
	}
}

func TestHandle_SafeWordCancelsWithoutAnalysis(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	plan, err := env.engine.Handle(context.Background(), textEvent("IMARA STOP"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if plan.Action != ActionCancelled {
		t.Errorf("action = %s, want CANCELLED", plan.Action)
	}
	if !strings.Contains(plan.Message, "stopped all current processes") {
		t.Errorf("message = %q, want safety confirmation", plan.Message)
	}
	if env.router.callCount() != 0 {
		t.Error("safe word must not reach a provider")
	}
}

func TestHandle_CancelledSessionShortCircuits(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	ctx := context.Background()
	if _, err := env.engine.Handle(ctx, textEvent("STOP")); err != nil {
		t.Fatal(err)
	}

	plan, err := env.engine.Handle(ctx, textEvent("actually here is more evidence"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if plan.Action != ActionCancelled {
		t.Errorf("action = %s, want CANCELLED inside the window", plan.Action)
	}
	if env.router.callCount() != 0 {
		t.Error("cancelled session must not reach a provider")
	}
}

func TestHandle_CancelWindowExpires(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(_ context.Context, m provider.Modality, _ *provider.Request) *router.Result {
		return &router.Result{Raw: analysisRaw(t, 2, "ADVISE", "ok", nil), Provider: "groq"}
	})
	ctx := context.Background()

	base := time.Now()
	env.engine.now = func() time.Time { return base }
	if _, err := env.engine.Handle(ctx, textEvent("CANCEL")); err != nil {
		t.Fatal(err)
	}

	env.engine.now = func() time.Time { return base.Add(61 * time.Second) }
	plan, err := env.engine.Handle(ctx, textEvent("new message after the window"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if plan.Action != ActionAdvise {
		t.Errorf("action = %s, want ADVISE after cancellation expires", plan.Action)
	}
}

func TestHandle_SafeWordWinsRaceAgainstInFlightAnalysis(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	env := newTestEnv(t, func(_ context.Context, m provider.Modality, _ *provider.Request) *router.Result {
		close(started)
		<-release
		return &router.Result{
			Raw:      analysisRaw(t, 9, "REPORT", "threat", map[string]any{"location": "Lagos, Nigeria"}),
			Provider: "groq",
		}
	})
	ctx := context.Background()

	done := make(chan *ActionPlan, 1)
	go func() {
		plan, err := env.engine.Handle(ctx, textEvent("he says he will kill me"))
		if err != nil {
			t.Errorf("Handle: %v", err)
		}
		done <- plan
	}()

	<-started // analysis is in flight, session lock released
	if _, err := env.engine.Handle(ctx, textEvent("IMARA STOP")); err != nil {
		t.Fatalf("safe word Handle: %v", err)
	}
	close(release)

	plan := <-done
	if plan.Action != ActionCancelled {
		t.Fatalf("in-flight plan action = %s, want CANCELLED", plan.Action)
	}
	if env.notifier.alertCount() != 0 {
		t.Error("cancellation must suppress dispatch even after a REPORT decision")
	}

	// The evidence is still on the ledger; only output was suppressed.
	res, err := env.ledger.Verify(ctx, plan.CaseID)
	if err != nil || !res.Valid || res.Links != 1 {
		t.Errorf("ledger verify = %+v err=%v, want recorded evidence", res, err)
	}
}

func TestHandle_TotalOutageDegrades(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil) // every route degrades
	plan, err := env.engine.Handle(context.Background(), textEvent("am I at risk?"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if plan.Action != ActionAdvise || !plan.Degraded {
		t.Fatalf("plan = %+v, want degraded ADVISE", plan)
	}
	if plan.Summary != FallbackSummary {
		t.Errorf("summary = %q, want %q", plan.Summary, FallbackSummary)
	}
	if env.notifier.alertCount() != 0 {
		t.Error("degraded decisions never dispatch")
	}
}

func TestHandle_EvidenceHashedBeforeAnalysis(t *testing.T) {
	t.Parallel()

	media := []byte("screenshot-bytes")
	wantSum := sha256.Sum256(media)

	env := newTestEnv(t, func(_ context.Context, _ provider.Modality, req *provider.Request) *router.Result {
		// A provider scribbling over its input buffer must not change
		// what the ledger binds to.
		for i := range req.Media {
			req.Media[i] = 0
		}
		return &router.Result{
			Raw:      analysisRaw(t, 3, "ADVISE", "screenshot of insults", nil),
			Provider: "gemini",
		}
	})

	plan, err := env.engine.Handle(context.Background(), &Event{
		Channel:        "telegram",
		ExternalUserID: "user-1",
		Modality:       provider.ModalityImage,
		Media:          media,
		MimeType:       "image/png",
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	links, err := env.ledger.Links(context.Background(), plan.CaseID)
	if err != nil || len(links) != 1 {
		t.Fatalf("links = %d err=%v, want 1", len(links), err)
	}
	if got, want := links[0].ArtifactHash, hex.EncodeToString(wantSum[:]); got != want {
		t.Errorf("artifact_hash = %s, want digest of the original media %s", got, want)
	}
}

func TestHandle_AudioTranscribesThenAnalyzes(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(_ context.Context, m provider.Modality, req *provider.Request) *router.Result {
		switch m {
		case provider.ModalityAudio:
			return &router.Result{Raw: []byte(`{"text":"he threatened to hurt me"}`), Provider: "groq"}
		case provider.ModalityText:
			if !strings.Contains(req.Text, "threatened to hurt me") {
				return &router.Result{Degraded: true}
			}
			return &router.Result{Raw: analysisRaw(t, 4, "ADVISE", "verbal threat", nil), Provider: "groq"}
		}
		return &router.Result{Degraded: true}
	})

	ev := &Event{
		Channel:        "telegram",
		ExternalUserID: "user-1",
		Modality:       provider.ModalityAudio,
		Media:          []byte("voice-note-bytes"),
		MimeType:       "audio/ogg",
	}
	plan, err := env.engine.Handle(context.Background(), ev)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if plan.Action != ActionAdvise {
		t.Fatalf("action = %s, want ADVISE", plan.Action)
	}
	if plan.Decision.Modality != "audio" {
		t.Errorf("modality = %q, want audio", plan.Decision.Modality)
	}
	if plan.Decision.ExtractedText != "he threatened to hurt me" {
		t.Errorf("extracted_text = %q", plan.Decision.ExtractedText)
	}
	if got := env.router.calls; len(got) != 2 || got[0] != provider.ModalityAudio || got[1] != provider.ModalityText {
		t.Errorf("route calls = %v, want [audio text]", got)
	}
}

func TestHandle_SilentAudioAdvisesWithoutTextRoute(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(_ context.Context, m provider.Modality, _ *provider.Request) *router.Result {
		return &router.Result{Raw: []byte(`{"text":""}`), Provider: "groq"}
	})

	ev := &Event{
		Channel:        "telegram",
		ExternalUserID: "user-1",
		Modality:       provider.ModalityAudio,
		Media:          []byte("silence"),
		MimeType:       "audio/ogg",
	}
	plan, err := env.engine.Handle(context.Background(), ev)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if plan.Action != ActionAdvise || plan.RiskScore != 1 {
		t.Fatalf("plan = %+v, want risk-1 ADVISE", plan)
	}
	if !strings.Contains(plan.Summary, "No speech detected") {
		t.Errorf("summary = %q", plan.Summary)
	}
	if env.router.callCount() != 1 {
		t.Errorf("route calls = %d, want 1 (no text analysis for silence)", env.router.callCount())
	}
}

func TestHandle_NoEvidenceAdvises(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	plan, err := env.engine.Handle(context.Background(), textEvent(""))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if plan.Action != ActionAdvise {
		t.Errorf("action = %s, want ADVISE", plan.Action)
	}
	if env.router.callCount() != 0 {
		t.Error("empty event must not reach a provider")
	}
	if plan.CaseID != "" {
		t.Error("no case should be opened without evidence")
	}
}

func TestHandle_CorruptPendingReportResets(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(_ context.Context, m provider.Modality, _ *provider.Request) *router.Result {
		return &router.Result{Raw: analysisRaw(t, 3, "ADVISE", "fine", nil), Provider: "groq"}
	})
	ctx := context.Background()
	key := session.Key{Channel: "telegram", UserID: "user-1"}

	_ = env.arena.With(key, func(s *session.Session) error {
		s.AwaitLocation(&session.PendingReport{CaseID: "broken", Decision: []byte("{corrupt")})
		return nil
	})

	// The corrupt report is dropped and the message triages normally.
	plan, err := env.engine.Handle(ctx, textEvent("Kampala, Uganda"))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if plan.Action != ActionAdvise {
		t.Errorf("action = %s, want ADVISE from a fresh analysis", plan.Action)
	}
	if env.router.callCount() != 1 {
		t.Errorf("route calls = %d, want 1", env.router.callCount())
	}
	_ = env.arena.With(key, func(s *session.Session) error {
		if s.State == session.StateAwaitingLocation {
			t.Error("session must not stay in AWAITING_LOCATION after corruption")
		}
		return nil
	})
}

func TestHandle_DispatchFailureDoesNotFailTurn(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(_ context.Context, m provider.Modality, _ *provider.Request) *router.Result {
		return &router.Result{
			Raw:      analysisRaw(t, 9, "REPORT", "threat", map[string]any{"location": "Lagos, Nigeria"}),
			Provider: "groq",
		}
	})
	env.notifier.alertErr = context.DeadlineExceeded

	plan, err := env.engine.Handle(context.Background(), textEvent("urgent threat"))
	if err != nil {
		t.Fatalf("Handle must not fail on notifier error: %v", err)
	}
	if plan.Action != ActionReport {
		t.Errorf("action = %s, want REPORT", plan.Action)
	}
}

func TestHandle_IndependentUsersGetIndependentSessions(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(_ context.Context, m provider.Modality, _ *provider.Request) *router.Result {
		return &router.Result{Raw: analysisRaw(t, 2, "ADVISE", "ok", nil), Provider: "groq"}
	})
	ctx := context.Background()

	if _, err := env.engine.Handle(ctx, textEvent("STOP")); err != nil {
		t.Fatal(err)
	}

	other := textEvent("is this risky?")
	other.ExternalUserID = "user-2"
	plan, err := env.engine.Handle(ctx, other)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if plan.Action != ActionAdvise {
		t.Errorf("another user's session must not be cancelled, got %s", plan.Action)
	}
}
