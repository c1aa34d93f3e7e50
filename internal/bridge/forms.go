package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/p-blackswan/sessionagent/internal/form"
	slackpkg "github.com/p-blackswan/sessionagent/internal/slack"
	"github.com/p-blackswan/sessionagent/internal/stream"
)

// OnFormPick handles a choice-button click: record the selection, re-render
// the card, and once every question is answered, feed the composite answer
// back into the message pipeline as a synthetic user turn.
func (b *Bridge) OnFormPick(ctx context.Context, channel, threadTS, messageTS, userID string, v slackpkg.ActionValue) {
	b.answerForm(ctx, channel, threadTS, messageTS, userID, v, form.Selection{ChoiceID: v.ChoiceID, Label: v.Label})
}

// OnFormFreeText handles a free-text modal submission as the answer to its
// question.
func (b *Bridge) OnFormFreeText(ctx context.Context, userID string, v slackpkg.ActionValue, text string) {
	b.answerForm(ctx, v.Channel, v.ThreadTS, v.MessageTS, userID, v, form.Selection{FreeText: text})
}

func (b *Bridge) answerForm(ctx context.Context, channel, threadTS, messageTS, userID string, v slackpkg.ActionValue, sel form.Selection) {
	sessionKey := v.SessionKey
	if sessionKey == "" {
		return
	}

	p := b.deps.Forms.GetByMessage(sessionKey, messageTS)
	if p == nil {
		_, _ = b.poster.PostEphemeral(channel, userID, threadTS, "this form is no longer active")
		return
	}

	updated, complete, err := b.deps.Forms.Answer(sessionKey, p.FormID, v.QuestionID, sel)
	if err != nil {
		_, _ = b.poster.PostEphemeral(channel, userID, threadTS, "this form is no longer active")
		return
	}

	if !complete {
		base := slackpkg.ActionValue{SessionKey: sessionKey}
		blocks := slackpkg.FormCard(base, updated, "")
		if uerr := b.poster.UpdateBlocks(channel, messageTS, "질문이 있어요", blocks...); uerr != nil {
			b.logger.Warn().Err(uerr).Msg("form re-render failed")
		}
		return
	}

	// Single-question forms get a receipt line; multi-question forms get the
	// final summary card in place of the buttons.
	var answerText string
	if len(updated.Questions) == 1 && updated.ChunkCount <= 1 {
		q := updated.Questions[0]
		label := sel.Label
		if sel.FreeText != "" {
			label = sel.FreeText
		}
		if uerr := b.poster.UpdateMessage(channel, messageTS, form.Receipt(q.Question, label)); uerr != nil {
			b.logger.Warn().Err(uerr).Msg("choice receipt update failed")
		}
		answerText = label
	} else {
		blocks := slackpkg.FormSummaryCard(updated)
		if uerr := b.poster.UpdateBlocks(channel, messageTS, "답변이 완료되었습니다", blocks...); uerr != nil {
			b.logger.Warn().Err(uerr).Msg("form summary update failed")
		}
		answerText = composedAnswer(updated)
	}

	if answerText == "" {
		return
	}

	t := stream.Target{SessionKey: sessionKey, Channel: channel, ThreadTS: threadTS}
	b.renderPanel(t)

	select {
	case b.sem <- struct{}{}:
	default:
		b.logger.Warn().Str("session", sessionKey).Msg("pipeline at capacity, dropping form answer")
		return
	}
	go func() {
		defer func() { <-b.sem }()
		b.runTurn(ctx, t, userID, messageTS, answerText, "")
	}()
}

// composedAnswer renders the "Q1: id. label\nQ2: (직접입력) text" composite
// using the questions' own text as the label, per the re-entry contract.
func composedAnswer(p *form.Pending) string {
	var lines []string
	for _, q := range p.Questions {
		sel, ok := p.Selections[q.ID]
		if !ok {
			continue
		}
		if sel.FreeText != "" {
			lines = append(lines, fmt.Sprintf("%s: (직접입력) %s", q.Question, sel.FreeText))
		} else {
			lines = append(lines, fmt.Sprintf("%s: %s. %s", q.Question, sel.ChoiceID, sel.Label))
		}
	}
	return strings.Join(lines, "\n")
}

// OnPanelAction routes action-panel button clicks.
func (b *Bridge) OnPanelAction(ctx context.Context, channel, threadTS, userID, actionID, value string) {
	sessionKey := value
	if sessionKey == "" {
		sessionKey = channel + ":" + threadTS
	}
	sess := b.deps.Sessions.Get(sessionKey)
	if sess == nil {
		_, _ = b.poster.PostEphemeral(channel, userID, threadTS, "no session on this thread")
		return
	}

	switch actionID {
	case "panel_context":
		u := sess.Usage
		_, _ = b.poster.PostEphemeral(channel, userID, threadTS, fmt.Sprintf(
			"context window: %d (%.1f%% remaining)\ninput: %d · output: %d · cache read: %d · cache create: %d\ntotal cost: $%.4f",
			u.ContextWindow, u.RemainingPercent(), u.CurrentInput, u.CurrentOutput, u.CurrentCacheRead, u.CurrentCacheCreate, u.TotalCostUSD,
		))

	case "panel_close":
		if sess.Owner != userID {
			_, _ = b.poster.PostEphemeral(channel, userID, threadTS, "only the session owner may close it")
			return
		}
		if b.TerminateSession(sessionKey) {
			_, _ = b.poster.PostMessage(channel, "session closed", threadTS)
		}
	}
}
