package provider

import "fmt"

// AnalysisSystemPrompt is the shared threat-assessment instruction set.
// Every adapter sends it so the raw responses share one JSON shape and
// one classification rubric regardless of which provider answered.
const AnalysisSystemPrompt = `You are Imara's triage system, a threat assessment engine protecting women and girls from online gender-based violence.

CLASSIFICATION RULES:
- risk_score: 1-10 scale (1-3: low/insults, 4-6: moderate/harassment, 7-10: severe/threats/doxing)
- action: "ADVISE" for low-moderate risk OR "REPORT" for high risk (escalate to authorities)

ALWAYS REPORT (action: "REPORT", risk_score 7-10):
- Death threats or threats of physical violence
- Doxing (sharing private information like address, phone, workplace)
- Blackmail, extortion, or revenge porn threats
- Sexual assault threats
- Stalking behavior
- Threats to family members

ADVISE ONLY (action: "ADVISE", risk_score 1-6):
- General insults or name-calling
- Rude comments
- Mild harassment or offensive language without threats

LOCATION EXTRACTION:
- Extract any location mentioned (city, state, country)
- Use "Unknown" if no location is found

You MUST respond with valid JSON only, no other text.`

// AnalysisUserPrompt wraps the submitted content with the expected
// response schema.
func AnalysisUserPrompt(text string) string {
	return fmt.Sprintf(`Analyze this message for threats against women/girls:

MESSAGE: %q

Respond with this exact JSON structure:
{
    "risk_score": <1-10>,
    "action": "ADVISE" or "REPORT",
    "location": "<extracted location or 'Unknown'>",
    "summary": "<brief 1-sentence summary of the threat>",
    "advice": "<helpful advice if action is ADVISE, null if REPORT>",
    "threat_type": "<type: insult/harassment/threat/doxing/blackmail/stalking/other>"
}`, text)
}

// VisionUserPrompt is the image-analysis variant; it additionally asks
// the provider to return any text visible in the image.
const VisionUserPrompt = `Analyze this screenshot for threats against women/girls. Extract any visible text first, then classify it.

Respond with this exact JSON structure:
{
    "risk_score": <1-10>,
    "action": "ADVISE" or "REPORT",
    "location": "<extracted location or 'Unknown'>",
    "summary": "<brief 1-sentence summary of the threat>",
    "advice": "<helpful advice if action is ADVISE, null if REPORT>",
    "threat_type": "<type: insult/harassment/threat/doxing/blackmail/stalking/other>",
    "extracted_text": "<text visible in the image, empty string if none>"
}`
