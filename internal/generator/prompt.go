package generator

import (
	"strings"

	"chat-gateway/internal/domain"
)

func buildReplyMessages(prompt string) []domain.PromptMessage {
	return []domain.PromptMessage{
		{Role: "system", Content: buildReplyPolicy()},
		{Role: "user", Content: strings.TrimSpace(prompt)},
	}
}

func buildSummaryMessages(prompt string) []domain.PromptMessage {
	return []domain.PromptMessage{
		{Role: "system", Content: "You maintain a short running summary of a fitness coaching conversation. Reply with the summary text only."},
		{Role: "user", Content: strings.TrimSpace(prompt)},
	}
}

func buildReplyPolicy() string {
	return strings.Join([]string{
		"Role:",
		"You are a friendly fitness chatbot speaking to the user in first person.",
		"",
		"Context:",
		"The user message may start with a summary of earlier conversation,",
		"followed by the most recent turns labelled User: and Bot:.",
		"Answer the latest User: line.",
		"",
		"Behavior Rules:",
		behaviorRules(),
		"",
		"Output Contract:",
		outputContract(),
	}, "\n")
}

func behaviorRules() string {
	return strings.Join([]string{
		"1) Reply only to the latest user message.",
		"2) Use the summary and recent turns to stay consistent with the user's goals.",
		"3) Keep replies short and practical.",
		"4) Do not prefix the reply with a speaker label.",
	}, "\n")
}

func outputContract() string {
	return "Return JSON only with keys intent (string), code (string or null) and reply (string). " +
		"intent describes what the user wants. " +
		"code holds any code you generate or extract, otherwise null. " +
		"reply is the natural first-person message shown to the user."
}
