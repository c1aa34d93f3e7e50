package slack

import (
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/sessionagent/internal/directive"
	"github.com/p-blackswan/sessionagent/internal/form"
)

func sampleQuestion(id string, n int) directive.FormQuestion {
	q := directive.FormQuestion{ID: id, Question: "Pick one"}
	for i := 0; i < n; i++ {
		q.Choices = append(q.Choices, directive.Choice{ID: string(rune('1' + i)), Label: "option"})
	}
	return q
}

func TestChoiceCard_ButtonsCappedPlusFreeText(t *testing.T) {
	sc := directive.SingleChoice{
		Question: "DB?",
		Choices: []directive.Choice{
			{ID: "1", Label: "Postgres"},
			{ID: "2", Label: "MySQL"},
			{ID: "3", Label: "SQLite"},
			{ID: "4", Label: "Oracle"},
			{ID: "5", Label: "DB2"},
			{ID: "6", Label: "Sybase"},
		},
		Context: "select a database",
	}
	base := ActionValue{SessionKey: "C1:1.2", FormID: "form-1"}

	blocks := ChoiceCard(base, sc)
	require.Len(t, blocks, 3) // question, context, buttons

	actions, ok := blocks[2].(*slack.ActionBlock)
	require.True(t, ok)
	// 4 option buttons (capped) + free-text escape.
	assert.Len(t, actions.Elements.ElementSet, MaxChoiceButtons+1)
}

func TestChoiceCard_ButtonValueCarriesIdentity(t *testing.T) {
	sc := directive.SingleChoice{
		Question: "DB?",
		Choices:  []directive.Choice{{ID: "1", Label: "Postgres"}},
	}
	base := ActionValue{SessionKey: "C1:1.2", FormID: "form-7"}

	blocks := ChoiceCard(base, sc)
	actions := blocks[1].(*slack.ActionBlock)
	button := actions.Elements.ElementSet[0].(*slack.ButtonBlockElement)

	v := decodeActionValue(button.Value)
	assert.Equal(t, "form-7", v.FormID)
	assert.Equal(t, "q1", v.QuestionID)
	assert.Equal(t, "1", v.ChoiceID)
	assert.Equal(t, "Postgres", v.Label)
	assert.Equal(t, "C1:1.2", v.SessionKey)
}

func TestFormCard_AnsweredQuestionShowsSelectionNotButtons(t *testing.T) {
	p := &form.Pending{
		FormID:     "form-1",
		SessionKey: "C1:1.2",
		Questions: []directive.FormQuestion{
			sampleQuestion("q1", 2),
			sampleQuestion("q2", 2),
		},
		Selections: map[string]form.Selection{
			"q1": {ChoiceID: "1", Label: "option"},
		},
		ChunkCount: 1,
	}
	base := ActionValue{SessionKey: p.SessionKey, FormID: p.FormID}

	blocks := FormCard(base, p, "설정")

	var actionBlocks, contextBlocks int
	for _, b := range blocks {
		switch b.(type) {
		case *slack.ActionBlock:
			actionBlocks++
		case *slack.ContextBlock:
			contextBlocks++
		}
	}
	// Only q2 still renders buttons; q1 renders its answer as a context
	// block alongside the progress indicator.
	assert.Equal(t, 1, actionBlocks)
	assert.Equal(t, 2, contextBlocks)
}

func TestFormCard_ChunkLabelInHeader(t *testing.T) {
	p := &form.Pending{
		FormID:     "form-1",
		SessionKey: "C1:1.2",
		Questions:  []directive.FormQuestion{sampleQuestion("q1", 2)},
		Selections: map[string]form.Selection{},
		ChunkIndex: 1,
		ChunkCount: 3,
	}
	blocks := FormCard(ActionValue{FormID: p.FormID}, p, "설정")

	header, ok := blocks[0].(*slack.HeaderBlock)
	require.True(t, ok)
	assert.Contains(t, header.Text.Text, "(2/3)")
}

func TestFormCard_ChunkStaysUnderBlockLimit(t *testing.T) {
	p := &form.Pending{
		FormID:     "form-1",
		SessionKey: "C1:1.2",
		Selections: map[string]form.Selection{},
		ChunkCount: 2,
	}
	for i := 0; i < form.MaxQuestionsPerChunk; i++ {
		p.Questions = append(p.Questions, sampleQuestion(string(rune('a'+i)), 4))
	}

	blocks := FormCard(ActionValue{FormID: p.FormID}, p, "설정")
	assert.LessOrEqual(t, len(blocks), 50)
}

func TestFormSummaryCard_IncludesFreeTextAnswers(t *testing.T) {
	p := &form.Pending{
		Questions: []directive.FormQuestion{
			sampleQuestion("q1", 2),
			sampleQuestion("q2", 2),
		},
		Selections: map[string]form.Selection{
			"q1": {ChoiceID: "1", Label: "option"},
			"q2": {FreeText: "something else"},
		},
	}
	blocks := FormSummaryCard(p)
	require.Len(t, blocks, 2)

	body := blocks[1].(*slack.SectionBlock).Text.Text
	assert.Contains(t, body, "option")
	assert.Contains(t, body, "(직접입력) something else")
}

func TestFormFallbackText_EnumeratesOptions(t *testing.T) {
	questions := []directive.FormQuestion{
		{ID: "q1", Question: "DB?", Choices: []directive.Choice{
			{ID: "1", Label: "Postgres", Description: "relational"},
			{ID: "2", Label: "MySQL"},
		}},
	}
	text := FormFallbackText(questions, 0, 2)
	assert.Contains(t, text, "⚠️")
	assert.Contains(t, text, "(1/2)")
	assert.Contains(t, text, "Q1. DB?")
	assert.Contains(t, text, "1. Postgres — relational")
	assert.Contains(t, text, "2. MySQL")
}

func TestFreeTextModal_MetadataRoundTrip(t *testing.T) {
	v := ActionValue{SessionKey: "C1:1.2", FormID: "form-1", QuestionID: "q1", Question: "DB?"}
	view := FreeTextModal(v)

	assert.Equal(t, FreeTextCallbackID, view.CallbackID)
	meta := decodeActionValue(view.PrivateMetadata)
	assert.Equal(t, v, meta)
	require.Len(t, view.Blocks.BlockSet, 1)
}
