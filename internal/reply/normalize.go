package reply

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

const fence = "```"

// envelope is the structured shape the generator is asked to answer in.
type envelope struct {
	Intent json.RawMessage `json:"intent"`
	Code   json.RawMessage `json:"code"`
	Reply  *string         `json:"reply"`
}

var (
	langTag   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_+.-]*$`)
	botLabel  = regexp.MustCompile(`(?i)^(?:🤖\s*)?(?:fitness\s*bot|bot|assistant)\s*:\s*`)
	robotOnly = regexp.MustCompile(`^🤖\s*`)
)

// Normalize turns raw generator output into the text shown to the user. It
// strips code fences, unwraps a {intent, code, reply} envelope and removes a
// leading bot-identity label. Every step only shortens its input, so the
// pipeline is repeated until nothing changes; that makes Normalize
// idempotent.
func Normalize(raw string) string {
	s := raw
	for {
		next := normalizeOnce(s)
		if next == s {
			return s
		}
		s = next
	}
}

func normalizeOnce(raw string) string {
	text := stripFence(strings.TrimSpace(raw))
	if r, ok := envelopeReply(text); ok {
		text = r
	}
	return stripBotLabel(text)
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, fence) {
		return s
	}
	s = strings.TrimPrefix(s, fence)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		if tag := strings.TrimSpace(s[:i]); tag == "" || langTag.MatchString(tag) {
			s = s[i+1:]
		}
	} else if i := strings.IndexAny(s, " \t{["); i > 0 && langTag.MatchString(s[:i]) {
		if rest := strings.TrimSpace(s[i:]); strings.HasPrefix(rest, "{") || strings.HasPrefix(rest, "[") {
			s = rest
		}
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, fence)
	return strings.TrimSpace(s)
}

// envelopeReply returns the non-empty reply field of a structured response.
// A missing or empty reply counts as no envelope.
func envelopeReply(s string) (string, bool) {
	if !strings.HasPrefix(s, "{") {
		return "", false
	}
	var env envelope
	dec := json.NewDecoder(bytes.NewBufferString(s))
	if err := dec.Decode(&env); err != nil {
		return "", false
	}
	if dec.More() {
		return "", false
	}
	if env.Reply == nil || strings.TrimSpace(*env.Reply) == "" {
		return "", false
	}
	return strings.TrimSpace(*env.Reply), true
}

func stripBotLabel(s string) string {
	if loc := botLabel.FindStringIndex(s); loc != nil {
		return strings.TrimSpace(s[loc[1]:])
	}
	if loc := robotOnly.FindStringIndex(s); loc != nil {
		return strings.TrimSpace(s[loc[1]:])
	}
	return s
}
