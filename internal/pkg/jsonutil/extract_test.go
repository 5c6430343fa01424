package jsonutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractObjectFromFence(t *testing.T) {
	raw := "analysis follows\n```json\n{\"symbol\":\"BTCUSDT\",\"note\":\"a } in text\"}\n```\ntrailing"
	got, ok := ExtractObject(raw)
	assert.True(t, ok)
	assert.Equal(t, `{"symbol":"BTCUSDT","note":"a } in text"}`, got)
}

func TestExtractObjectFromProse(t *testing.T) {
	got, ok := ExtractObject(`ok: {"a":{"b":1}} done`)
	assert.True(t, ok)
	assert.Equal(t, `{"a":{"b":1}}`, got)
}

func TestExtractObjectUnbalanced(t *testing.T) {
	_, ok := ExtractObject(`{"a":1`)
	assert.False(t, ok)
	_, ok = ExtractObject("")
	assert.False(t, ok)
}

func TestExtractArray(t *testing.T) {
	got, ok := ExtractArray("```\n[\"x\", [1,2]]\n```")
	assert.True(t, ok)
	assert.Equal(t, `["x", [1,2]]`, got)
}
