package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripCodeFences(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```":               `{"a":1}`,
		"```\n[1,2]\n```":                       `[1,2]`,
		"Here you go:\n```json\n{\"a\":1}\n```": `{"a":1}`,
		"  {\"a\":1}  ":                         `{"a":1}`,
		"```json{\"a\":1}```":                   `{"a":1}`,
	}
	for in, want := range cases {
		assert.Equal(t, want, StripCodeFences(in), in)
	}
}

func TestDecodeJSONFallsBackToOutermostSpan(t *testing.T) {
	var obj struct {
		Condition string `json:"condition"`
	}
	require.NoError(t, DecodeJSON(`Sure! {"condition": "NSCLC"} Hope this helps.`, &obj))
	assert.Equal(t, "NSCLC", obj.Condition)

	var arr []map[string]any
	require.NoError(t, DecodeJSON("Results:\n[{\"fit_score\": 80}]\nend", &arr))
	assert.Len(t, arr, 1)
}

func TestDecodeJSONRejectsProse(t *testing.T) {
	var out map[string]any
	err := DecodeJSON("I could not find anything relevant.", &out)
	require.ErrorIs(t, err, ErrNoJSON)
	require.ErrorIs(t, DecodeJSON("   ", &out), ErrNoJSON)
	require.Error(t, DecodeJSON("{broken", &out))
}

func TestExtractObjectWithKey(t *testing.T) {
	text := `Summary first. {"drug": "osimertinib", "found_update": true} trailing {"other": 1}`
	got, ok := ExtractObjectWithKey(text, "drug")
	require.True(t, ok)
	assert.Equal(t, `{"drug": "osimertinib", "found_update": true}`, got)

	_, ok = ExtractObjectWithKey(`{"other": 1}`, "drug")
	assert.False(t, ok)
}
