package flow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"chat-gateway/internal/domain"
	"chat-gateway/internal/reply"
)

// reply produces the bot text for a chat message. Control-flow input and a
// missing generator get an echo; generator failures get an apology. Only a
// store failure while building the prompt is returned as an error.
func (m *Machine) reply(ctx context.Context, s domain.Session, u domain.User, msg string) (string, error) {
	if m.gen == nil || !reply.ShouldRouteToGenerator(msg) {
		return msgEcho(msg), nil
	}

	prompt, err := m.prompts.BuildPrompt(ctx, u.Phone)
	if err != nil {
		return "", fmt.Errorf("flow: build prompt: %w", err)
	}

	genCtx, cancel := context.WithTimeout(ctx, m.genTimeout)
	defer cancel()
	raw, err := m.gen.Complete(genCtx, prompt, domain.ModeReply)
	if err != nil {
		m.logger.Warn("generator failed",
			zap.String("session_id", s.ID),
			zap.Error(err),
		)
		return msgApology, nil
	}
	text := reply.Normalize(raw)
	if text == "" {
		m.logger.Warn("generator returned empty reply", zap.String("session_id", s.ID))
		return msgApology, nil
	}
	return text, nil
}
