// Package brevo dispatches escalated cases by email through the Brevo
// transactional API.
package brevo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/linnemanlabs/imara/internal/triage"
)

const (
	defaultBaseURL = "https://api.brevo.com/v3"
	httpTimeout    = 10 * time.Second
)

// Config identifies the sender and recipients for dispatch mail.
type Config struct {
	APIKey       string
	SenderName   string
	SenderEmail  string
	PartnerEmail string // forensic alerts go here
	AdminEmail   string // BCC on every alert, optional
}

// Dispatcher sends case notifications via Brevo. If no API key is
// configured, both sends are no-ops.
type Dispatcher struct {
	cfg     Config
	baseURL string
	client  *http.Client
}

// New creates a Brevo dispatcher.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: httpTimeout},
	}
}

type recipient struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type email struct {
	Sender      recipient   `json:"sender"`
	To          []recipient `json:"to"`
	BCC         []recipient `json:"bcc,omitempty"`
	Subject     string      `json:"subject"`
	HTMLContent string      `json:"htmlContent"`
}

// SendForensicAlert mails the full case record to the support partner,
// BCC'ing the admin when configured.
func (d *Dispatcher) SendForensicAlert(ctx context.Context, n *triage.DispatchNotice) error {
	if d.cfg.APIKey == "" || d.cfg.PartnerEmail == "" {
		return nil
	}

	msg := email{
		Sender:      recipient{Name: d.cfg.SenderName, Email: d.cfg.SenderEmail},
		To:          []recipient{{Email: d.cfg.PartnerEmail}},
		Subject:     fmt.Sprintf("[Imara] Case %s requires review", n.CaseID),
		HTMLContent: forensicBody(n),
	}
	if d.cfg.AdminEmail != "" {
		msg.BCC = []recipient{{Email: d.cfg.AdminEmail}}
	}
	return d.send(ctx, &msg)
}

// SendUserConfirmation mails the reporter a submission receipt.
func (d *Dispatcher) SendUserConfirmation(ctx context.Context, n *triage.DispatchNotice) error {
	if d.cfg.APIKey == "" || n.UserEmail == "" {
		return nil
	}

	msg := email{
		Sender:      recipient{Name: d.cfg.SenderName, Email: d.cfg.SenderEmail},
		To:          []recipient{{Email: n.UserEmail}},
		Subject:     fmt.Sprintf("Your report was received (case %s)", n.CaseID),
		HTMLContent: confirmationBody(n),
	}
	return d.send(ctx, &msg)
}

func (d *Dispatcher) send(ctx context.Context, msg *email) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("brevo: marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/smtp/email", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("brevo: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", d.cfg.APIKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("brevo: post email: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("brevo: api returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func forensicBody(n *triage.DispatchNotice) string {
	d := n.Decision
	var b strings.Builder
	b.WriteString("<h2>Imara case escalation</h2>")
	fmt.Fprintf(&b, "<p><b>Case:</b> %s<br>", htmlEscape(n.CaseID))
	fmt.Fprintf(&b, "<b>Channel:</b> %s<br>", htmlEscape(n.Channel))
	fmt.Fprintf(&b, "<b>Location:</b> %s<br>", htmlEscape(n.Location))
	fmt.Fprintf(&b, "<b>Risk score:</b> %d/10<br>", d.RiskScore)
	if d.ThreatType != "" {
		fmt.Fprintf(&b, "<b>Threat type:</b> %s<br>", htmlEscape(d.ThreatType))
	}
	if d.PolicyOverride {
		b.WriteString("<b>Escalated by policy override</b><br>")
	}
	fmt.Fprintf(&b, "<b>Evidence chain head:</b> <code>%s</code></p>", htmlEscape(n.ChainHash))
	fmt.Fprintf(&b, "<p><b>Summary</b><br>%s</p>", htmlEscape(d.Summary))
	if d.ExtractedText != "" {
		fmt.Fprintf(&b, "<p><b>Extracted content</b><br>%s</p>", htmlEscape(d.ExtractedText))
	}
	return b.String()
}

func confirmationBody(n *triage.DispatchNotice) string {
	var b strings.Builder
	b.WriteString("<p>Your report has been submitted to a support partner for review.</p>")
	fmt.Fprintf(&b, "<p><b>Case reference:</b> %s</p>", htmlEscape(n.CaseID))
	b.WriteString("<p>Keep this reference for any follow-up. If you are in immediate danger, please contact local emergency services.</p>")
	return b.String()
}

var htmlReplacer = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
)

func htmlEscape(s string) string {
	return htmlReplacer.Replace(s)
}
