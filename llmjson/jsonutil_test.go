package llmjson

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "bare object",
			in:   `{"risk_level":"low"}`,
			want: `{"risk_level":"low"}`,
		},
		{
			name: "markdown fenced",
			in:   "Here you go:\n```json\n{\"risk_level\":\"high\"}\n```\nLet me know!",
			want: `{"risk_level":"high"}`,
		},
		{
			name: "fence without language",
			in:   "```\n{\"a\":1}\n```",
			want: `{"a":1}`,
		},
		{
			name: "prose around object",
			in:   `The verdict is {"risk_level":"medium","confidence":0.5} as computed.`,
			want: `{"risk_level":"medium","confidence":0.5}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Extract(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractNoObject(t *testing.T) {
	for _, in := range []string{"not json", "", "just [1, 2] arrays"} {
		got, err := Extract(in)
		assert.ErrorIs(t, err, ErrNoObject, "input %q", in)
		assert.Empty(t, got)
	}
}

func TestExtractCleansArtifacts(t *testing.T) {
	in := "```json\n{\n  \"url\": \"http://example.com\", // keep the URL intact\n  \"items\": [1, 2,],\n}\n```"
	got, err := Extract(in)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(got), &parsed))
	assert.Equal(t, "http://example.com", parsed["url"])
	assert.Len(t, parsed["items"], 2)
}
