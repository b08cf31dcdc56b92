package domain

// PromptMessage is the provider-agnostic chat message shape sent to LLM
// integrations.
type PromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Mode selects how the reply generator treats a prompt.
type Mode string

const (
	ModeReply     Mode = "reply"
	ModeSummarize Mode = "summarize"
)
