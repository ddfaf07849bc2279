package session

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultSafeWords are the phrases that immediately cancel all
// automated processing for a session. Matching is case-insensitive and
// substring-based so "please STOP now" still triggers.
var DefaultSafeWords = []string{
	"IMARA STOP",
	"STOP",
	"CANCEL",
	"HELP ME",
	"EXIT",
	"EMERGENCY",
}

// IsSafeWord reports whether text contains any of the given safe words.
func IsSafeWord(text string, safeWords []string) bool {
	if text == "" {
		return false
	}
	upper := strings.ToUpper(strings.TrimSpace(text))
	for _, w := range safeWords {
		if strings.Contains(upper, w) {
			return true
		}
	}
	return false
}

// SafetyMessage returns the cancellation confirmation in the user's
// preferred language.
func SafetyMessage(languageHint string) string {
	switch normalizeLang(languageHint) {
	case "pidgin":
		return "🛡️ I don stop everything. You safe here.\n\nIf you dey danger, abeg call police or emergency number.\n\nType /start when you ready make we continue."
	case "swahili":
		return "🛡️ Nimesimamisha michakato yote. Uko salama hapa.\n\nIkiwa uko hatarini, tafadhali wasiliana na huduma za dharura.\n\nAndika /start utakapokuwa tayari kuendelea."
	default:
		return "🛡️ I've stopped all current processes. You're safe here.\n\nIf you're in immediate danger, please contact local emergency services.\n\nType /start when you're ready to continue."
	}
}

// LocationPrompt returns the location request in the user's preferred
// language.
func LocationPrompt(languageHint string) string {
	switch normalizeLang(languageHint) {
	case "pidgin":
		return "⚠️ This one look like serious matter wey we fit report to police.\n\n📍 Abeg tell me which city and country you dey:\n\n(Example: Lagos, Nigeria)"
	case "swahili":
		return "⚠️ Hii inaonekana ni tishio kubwa ambalo linaweza kuripotiwa kwa mamlaka.\n\n📍 Tafadhali niambie uko katika jiji na nchi gani:\n\n(Mfano: Nairobi, Kenya)"
	default:
		return "⚠️ **Help Us Protect You**\n\nThe content you shared looks serious. 📍 **We need your location (City, Country)** to match you with the right support partner."
	}
}

func normalizeLang(hint string) string {
	lang := strings.ToLower(hint)
	switch {
	case strings.Contains(lang, "pidgin"):
		return "pidgin"
	case strings.Contains(lang, "swahili"):
		return "swahili"
	default:
		return "english"
	}
}

// MaxMessageLen caps the text forwarded to analysis providers.
const MaxMessageLen = 2000

var injectionPatterns = compileInjectionPatterns([]string{
	"ignore previous instructions",
	"system prompt",
	"you are now",
	"acting as",
	"bypass",
	"forget everything",
})

type injectionPattern struct {
	keyword string
	re      *regexp.Regexp
}

func compileInjectionPatterns(keywords []string) []injectionPattern {
	out := make([]injectionPattern, 0, len(keywords))
	for _, k := range keywords {
		out = append(out, injectionPattern{
			keyword: k,
			re:      regexp.MustCompile("(?i)" + regexp.QuoteMeta(k)),
		})
	}
	return out
}

// Sanitize neutralizes common prompt-injection phrases and caps the
// text at MaxMessageLen.
func Sanitize(text string) string {
	if text == "" {
		return ""
	}
	for _, p := range injectionPatterns {
		text = p.re.ReplaceAllString(text, "[neutralized:"+p.keyword+"]")
	}
	text = strings.TrimSpace(text)
	if len(text) > MaxMessageLen {
		// Back up to a rune boundary so the cut never produces
		// invalid UTF-8.
		cut := MaxMessageLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}
