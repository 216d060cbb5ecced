package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insight-engine/backend/internal/storage/models"
)

func TestParseReplyFencedJSON(t *testing.T) {
	raw := "Here you go:\n```json\n{\"title\": \"Finish the outline\", \"summary\": \"The doc is due soon.\", " +
		"\"confidence\": 0.8, \"recommendations\": [\"Start now\", \"start now\", \"\"], \"obstacles\": []}\n```"

	reply, err := ParseReply(raw, models.DepthBalanced)
	require.NoError(t, err)
	assert.Equal(t, "Finish the outline", reply.Title)
	require.NotNil(t, reply.Confidence)
	assert.Equal(t, 0.8, *reply.Confidence)
	assert.Equal(t, []string{"Start now"}, reply.Recommendations)
}

func TestParseReplyStripsMarkup(t *testing.T) {
	raw := `{"title": "<b>Focus</b> first", "summary": "<p>Do the   deep work</p> <em>early</em>."}`

	reply, err := ParseReply(raw, models.DepthBalanced)
	require.NoError(t, err)
	assert.Equal(t, "Focus first", reply.Title)
	assert.Equal(t, "Do the deep work early.", reply.Summary)
}

func TestParseReplyTrimsSentencesByDepth(t *testing.T) {
	raw := `{"title": "T", "summary": "One is here. Two is here. Three is here. Four is here. Five is here."}`

	minimal, err := ParseReply(raw, models.DepthMinimal)
	require.NoError(t, err)
	assert.Equal(t, "One is here. Two is here.", minimal.Summary)

	detailed, err := ParseReply(raw, models.DepthDetailed)
	require.NoError(t, err)
	assert.Contains(t, detailed.Summary, "Five is here.")
}

func TestParseReplyMalformed(t *testing.T) {
	cases := map[string]string{
		"no json":       "I think you should do it.",
		"broken json":   `{"title": "x", "summary": }`,
		"missing title": `{"summary": "something"}`,
		"empty summary": `{"title": "x", "summary": "   "}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseReply(raw, models.DepthBalanced)
			assert.ErrorIs(t, err, ErrLLMMalformedResponse)
		})
	}
}

func TestParseReplyDropsOutOfRangeConfidence(t *testing.T) {
	reply, err := ParseReply(`{"title": "x", "summary": "y.", "confidence": 7}`, models.DepthBalanced)
	require.NoError(t, err)
	assert.Nil(t, reply.Confidence)
}
