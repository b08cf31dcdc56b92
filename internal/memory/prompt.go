package memory

import (
	"fmt"
	"strings"
)

func summaryPrompt(existing string, lines []string, wordLimit int) string {
	prev := strings.TrimSpace(existing)
	if prev == "" {
		prev = "(none)"
	}
	return strings.Join([]string{
		"Task:",
		fmt.Sprintf("Update the running summary of this conversation in at most %d words.", wordLimit),
		"",
		"Rules:",
		"1) Keep the user's goals, preferences, constraints and progress.",
		"2) Merge new facts into the existing summary instead of appending a transcript.",
		"3) Do not restate unchanged details verbatim.",
		"4) Return plain text only.",
		"",
		"Existing summary:",
		prev,
		"",
		"Recent messages:",
		strings.Join(lines, "\n"),
	}, "\n")
}
