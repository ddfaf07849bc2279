package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
)

// Config adds service-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	GroqAPIKey            string
	GroqModel             string
	GroqWhisperModel      string
	GeminiAPIKey          string
	GeminiModel           string
	ClaudeAPIKey          string
	ClaudeModel           string
	ChainsFile            string
	PolicyFile            string
	DatabaseURL           string
	BrevoAPIKey           string
	BrevoSenderName       string
	BrevoSenderEmail      string
	PartnerEmail          string
	AdminEmail            string
	SafeWords             string
	CancelWindowSeconds   int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.GroqAPIKey, "groq-api-key", "", "API key for the Groq provider (empty = provider disabled)")
	fs.StringVar(&c.GroqModel, "groq-model", "llama-3.3-70b-versatile", "Groq chat model for text analysis")
	fs.StringVar(&c.GroqWhisperModel, "groq-whisper-model", "whisper-large-v3", "Groq Whisper model for audio transcription")
	fs.StringVar(&c.GeminiAPIKey, "gemini-api-key", "", "API key for the Gemini provider (empty = provider disabled)")
	fs.StringVar(&c.GeminiModel, "gemini-model", "gemini-2.0-flash", "Gemini model for image analysis")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude provider (empty = provider disabled)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model for text analysis")
	fs.StringVar(&c.ChainsFile, "chains-file", "", "YAML file with provider fallback chains (empty = built-in defaults)")
	fs.StringVar(&c.PolicyFile, "policy-file", "", "YAML file with the escalation policy (empty = built-in defaults)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for the evidence ledger (empty = in-memory store)")
	fs.StringVar(&c.BrevoAPIKey, "brevo-api-key", "", "Brevo API key for dispatch email (empty = dispatch disabled)")
	fs.StringVar(&c.BrevoSenderName, "brevo-sender-name", "Imara", "sender name on dispatch email")
	fs.StringVar(&c.BrevoSenderEmail, "brevo-sender-email", "", "sender address on dispatch email")
	fs.StringVar(&c.PartnerEmail, "partner-email", "", "support partner address for forensic alerts")
	fs.StringVar(&c.AdminEmail, "admin-email", "", "admin address BCC'd on forensic alerts")
	fs.StringVar(&c.SafeWords, "safe-words", "", "comma-separated safe words overriding the built-in list")
	fs.IntVar(&c.CancelWindowSeconds, "cancel-window-seconds", 60, "seconds a safe-word cancellation suppresses output (1..600)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	// At least one analysis provider must be configured
	if c.GroqAPIKey == "" && c.GeminiAPIKey == "" && c.ClaudeAPIKey == "" {
		errs = append(errs, errors.New("at least one provider API key is required (GROQ_API_KEY, GEMINI_API_KEY or CLAUDE_API_KEY)"))
	}
	if c.GroqAPIKey != "" && c.GroqModel == "" {
		errs = append(errs, errors.New("GROQ_MODEL is required when GROQ_API_KEY is set"))
	}
	if c.GeminiAPIKey != "" && c.GeminiModel == "" {
		errs = append(errs, errors.New("GEMINI_MODEL is required when GEMINI_API_KEY is set"))
	}
	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}

	// Dispatch email needs a sender and partner to be useful
	if c.BrevoAPIKey != "" {
		if c.BrevoSenderEmail == "" {
			errs = append(errs, errors.New("BREVO_SENDER_EMAIL is required when BREVO_API_KEY is set"))
		}
		if c.PartnerEmail == "" {
			errs = append(errs, errors.New("PARTNER_EMAIL is required when BREVO_API_KEY is set"))
		}
	}

	if c.CancelWindowSeconds <= 0 || c.CancelWindowSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid CANCEL_WINDOW_SECONDS %d (must be 1..600)", c.CancelWindowSeconds))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// SafeWordList parses the override list, returning nil when unset so
// the built-in safe words apply.
func (c *Config) SafeWordList() []string {
	if strings.TrimSpace(c.SafeWords) == "" {
		return nil
	}
	var out []string
	for _, w := range strings.Split(c.SafeWords, ",") {
		w = strings.ToUpper(strings.TrimSpace(w))
		if w != "" {
			out = append(out, w)
		}
	}
	return out
}
