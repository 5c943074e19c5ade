package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodingForModel(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o", "o200k_base"},
		{"gpt-4o-mini-2024", "o200k_base"},
		{"gpt-4-0613", "cl100k_base"},
		{"claude-sonnet", "cl100k_base"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, EncodingForModel(tt.model))
		})
	}
}

func TestEstimatorCounter(t *testing.T) {
	var c EstimatorCounter

	n, err := c.CountTokens("")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, _ = c.CountTokens("a")
	assert.Equal(t, 1, n)

	ascii, _ := c.CountTokens("selector not found on checkout page")
	cjk, _ := c.CountTokens("找不到结账页面上的选择器")
	assert.Greater(t, ascii, 5)
	assert.Greater(t, cjk, 5)
}

func TestFallbackCounter_UnknownEncoding(t *testing.T) {
	f := New("gpt-4", nil).(*fallbackCounter)
	f.primary = NewTiktokenCounter("no_such_encoding")

	n, err := f.CountTokens("twelve chars")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "estimator", f.Name())

	// 降级是永久的
	n, err = f.CountTokens("twelve chars")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
