package slack

import (
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/p-blackswan/sessionagent/internal/directive"
	"github.com/p-blackswan/sessionagent/internal/form"
)

// Identifiers for the free-text escape modal.
const (
	FreeTextCallbackID = "choice_free_text"
	FreeTextBlockID    = "free_text_block"
	FreeTextInputID    = "free_text_input"
)

// MaxChoiceButtons is the per-question cap on option buttons; remaining
// options are reachable only through the free-text escape.
const MaxChoiceButtons = 4

// truncate shortens s to max chars, appending "…" if truncated.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}

// choiceButtons renders the option buttons plus the free-text escape for one
// question. base carries the session/form identity every button value needs.
func choiceButtons(base ActionValue, q directive.FormQuestion) *slack.ActionBlock {
	var elements []slack.BlockElement

	limit := len(q.Choices)
	if limit > MaxChoiceButtons {
		limit = MaxChoiceButtons
	}
	for _, c := range q.Choices[:limit] {
		v := base
		v.QuestionID = q.ID
		v.ChoiceID = c.ID
		v.Label = c.Label
		v.Question = q.Question
		elements = append(elements, slack.NewButtonBlockElement(
			fmt.Sprintf("choice_pick_%s_%s", q.ID, c.ID),
			v.Encode(),
			slack.NewTextBlockObject("plain_text", truncate(c.Label, 72), false, false),
		))
	}

	free := base
	free.QuestionID = q.ID
	free.Question = q.Question
	elements = append(elements, slack.NewButtonBlockElement(
		fmt.Sprintf("choice_free_%s", q.ID),
		free.Encode(),
		slack.NewTextBlockObject("plain_text", "✏️ 직접 입력", false, false),
	))

	return slack.NewActionBlock(fmt.Sprintf("choices_%s_%s", base.FormID, q.ID), elements...)
}

// ChoiceCard renders a single-question choice directive as an interactive
// card: the question, optional context, up to four option buttons, and the
// free-text escape.
func ChoiceCard(base ActionValue, sc directive.SingleChoice) []slack.Block {
	q := directive.FormQuestion{ID: "q1", Question: sc.Question, Choices: sc.Choices, Context: sc.Context}

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("❓ *%s*", sc.Question), false, false),
			nil, nil,
		),
	}
	if sc.Context != "" {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject("mrkdwn", truncate(sc.Context, 300), false, false),
		))
	}
	blocks = append(blocks, choiceButtons(base, q))
	return blocks
}

// FormCard renders one chunk of a multi-question form: header, progress
// indicator, and a section + button row per question. Answered questions
// show their selection instead of buttons, so re-rendering after each click
// walks the card toward the summary state.
func FormCard(base ActionValue, p *form.Pending, title string) []slack.Block {
	header := title
	if header == "" {
		header = "질문이 있어요"
	}
	if p.ChunkCount > 1 {
		header = fmt.Sprintf("%s %s", header, form.ChunkLabel(p.ChunkIndex, p.ChunkCount))
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(
			slack.NewTextBlockObject("plain_text", truncate(header, 150), false, false),
		),
		slack.NewContextBlock("",
			slack.NewTextBlockObject("mrkdwn", form.ProgressIndicator(p), false, false),
		),
	}

	for i, q := range p.Questions {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Q%d.* %s", i+1, q.Question), false, false),
			nil, nil,
		))
		if sel, answered := p.Selections[q.ID]; answered {
			label := sel.Label
			if sel.FreeText != "" {
				label = fmt.Sprintf("(직접입력) %s", sel.FreeText)
			}
			blocks = append(blocks, slack.NewContextBlock("",
				slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("✅ %s", truncate(label, 150)), false, false),
			))
			continue
		}
		blocks = append(blocks, choiceButtons(base, q))
	}

	return blocks
}

// FormSummaryCard renders the final card shown once every question on a form
// has an answer.
func FormSummaryCard(p *form.Pending) []slack.Block {
	var sb strings.Builder
	for i, q := range p.Questions {
		sel, ok := p.Selections[q.ID]
		if !ok {
			continue
		}
		label := sel.Label
		if sel.FreeText != "" {
			label = fmt.Sprintf("(직접입력) %s", sel.FreeText)
		}
		sb.WriteString(fmt.Sprintf("*Q%d.* %s\n✅ %s\n", i+1, q.Question, label))
	}

	return []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", "*답변이 완료되었습니다*", false, false),
			nil, nil,
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", sb.String(), false, false),
			nil, nil,
		),
	}
}

// FormFallbackText renders the plain-text enumeration used when the Block
// Kit card fails size/validation, prefixed with a warning that the user
// should reply with option numbers.
func FormFallbackText(questions []directive.FormQuestion, chunkIndex, chunkCount int) string {
	var sb strings.Builder
	sb.WriteString("⚠️ 버튼을 표시할 수 없어 텍스트로 안내합니다. 옵션 번호로 답해주세요.\n")
	if chunkCount > 1 {
		sb.WriteString(form.ChunkLabel(chunkIndex, chunkCount))
		sb.WriteString("\n")
	}
	for i, q := range questions {
		sb.WriteString(fmt.Sprintf("\nQ%d. %s\n", i+1, q.Question))
		for _, c := range q.Choices {
			sb.WriteString(fmt.Sprintf("  %s. %s", c.ID, c.Label))
			if c.Description != "" {
				sb.WriteString(fmt.Sprintf(" — %s", truncate(c.Description, 100)))
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// CloseConfirmBlocks is the `close` command's confirmation card. The
// buttons reuse the session_keep_/session_close_ action IDs so the same
// cleanup handler serves both this card and the scheduler's idle warning.
func CloseConfirmBlocks(sessionKey string) []slack.Block {
	return []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", "Close this session? Its context will be deleted.", false, false),
			nil, nil,
		),
		slack.NewActionBlock(
			"close_confirm",
			slack.NewButtonBlockElement(
				fmt.Sprintf("session_close_%s", sessionKey), "close",
				slack.NewTextBlockObject("plain_text", "Close", false, false),
			),
			slack.NewButtonBlockElement(
				fmt.Sprintf("session_keep_%s", sessionKey), "keep",
				slack.NewTextBlockObject("plain_text", "Keep", false, false),
			),
		),
	}
}

// FreeTextModal builds the free-text escape modal for one form question.
// The ActionValue travels in private_metadata.
func FreeTextModal(v ActionValue) slack.ModalViewRequest {
	question := v.Question
	if question == "" {
		question = "답변을 입력해주세요"
	}

	element := slack.NewPlainTextInputBlockElement(
		slack.NewTextBlockObject("plain_text", "직접 입력", false, false),
		FreeTextInputID,
	)
	element.Multiline = true
	input := slack.NewInputBlock(
		FreeTextBlockID,
		slack.NewTextBlockObject("plain_text", truncate(question, 150), false, false),
		nil,
		element,
	)

	return slack.ModalViewRequest{
		Type:            slack.ViewType("modal"),
		CallbackID:      FreeTextCallbackID,
		PrivateMetadata: v.Encode(),
		Title:           slack.NewTextBlockObject("plain_text", "직접 입력", false, false),
		Submit:          slack.NewTextBlockObject("plain_text", "제출", false, false),
		Close:           slack.NewTextBlockObject("plain_text", "취소", false, false),
		Blocks:          slack.Blocks{BlockSet: []slack.Block{input}},
	}
}
