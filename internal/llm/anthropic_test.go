package llm

import (
	"context"
	"testing"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessager struct {
	resp   *anthropic.Message
	params anthropic.MessageNewParams
}

func (f *fakeMessager) New(_ context.Context, params anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	f.params = params
	return f.resp, nil
}

func withFakeMessager(t *testing.T, m *fakeMessager) {
	t.Helper()
	prev := newAnthropicClient
	newAnthropicClient = func(string) AnthropicMessager { return m }
	t.Cleanup(func() { newAnthropicClient = prev })
}

func TestNewAnthropicCallerRequiresKey(t *testing.T) {
	_, err := NewAnthropicCaller(AnthropicConfig{APIKey: "  "})
	require.Error(t, err)
}

func TestAnthropicGenerateJoinsTextBlocks(t *testing.T) {
	m := &fakeMessager{resp: &anthropic.Message{Content: []anthropic.ContentBlockUnion{
		{Type: "text", Text: `{"condition":`},
		{Type: "text", Text: `"NSCLC"}`},
	}}}
	withFakeMessager(t, m)
	c, err := NewAnthropicCaller(AnthropicConfig{APIKey: "k"})
	require.NoError(t, err)

	out, err := c.Generate(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, `{"condition":"NSCLC"}`, out)
	assert.Equal(t, anthropic.Model(DefaultModel), m.params.Model)
	assert.Empty(t, m.params.Tools)
}

func TestAnthropicSearchCollectsCitations(t *testing.T) {
	m := &fakeMessager{resp: &anthropic.Message{Content: []anthropic.ContentBlockUnion{
		{Type: "server_tool_use"},
		{Type: "web_search_tool_result", Content: anthropic.WebSearchToolResultBlockContentUnion{
			OfWebSearchResultBlockArray: []anthropic.WebSearchResultBlock{
				{Title: "FDA safety communication", URL: "https://fda.gov/a"},
				{Title: "", URL: "https://example.org/b"},
			},
		}},
		{Type: "text", Text: `{"drug":"osimertinib"}`, Citations: []anthropic.TextCitationUnion{
			{Type: "web_search_result_location", Title: "dup", URL: "https://fda.gov/a"},
			{Type: "web_search_result_location", Title: "ASCO abstract", URL: "https://asco.org/c"},
		}},
	}}}
	withFakeMessager(t, m)
	c, err := NewAnthropicCaller(AnthropicConfig{APIKey: "k", WebSearchMaxUses: 3})
	require.NoError(t, err)

	res, err := c.Search(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, `{"drug":"osimertinib"}`, res.Text)
	require.Len(t, res.Citations, 3)
	assert.Equal(t, "FDA safety communication", res.Citations[0].Title)
	assert.Equal(t, "https://example.org/b", res.Citations[1].Title)
	assert.Equal(t, "ASCO abstract", res.Citations[2].Title)
	require.Len(t, m.params.Tools, 1)
	require.NotNil(t, m.params.Tools[0].OfWebSearchTool20250305)
}

func TestAnthropicImageRejectsEmptyPayload(t *testing.T) {
	withFakeMessager(t, &fakeMessager{resp: &anthropic.Message{}})
	c, err := NewAnthropicCaller(AnthropicConfig{APIKey: "k"})
	require.NoError(t, err)
	_, err = c.GenerateWithImage(context.Background(), "prompt", Image{})
	require.Error(t, err)
}
