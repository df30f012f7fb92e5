package semantic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenizeProse_DropsStopWordsAndShortTokens(t *testing.T) {
	tokens := tokenizeProse("The quick fox and a dog ran to it.")
	assert.Contains(t, tokens, "quick")
	assert.Contains(t, tokens, "fox")
	assert.Contains(t, tokens, "dog")
	assert.Contains(t, tokens, "ran")
	assert.NotContains(t, tokens, "the")
	assert.NotContains(t, tokens, "and")
	assert.NotContains(t, tokens, "a")
	assert.NotContains(t, tokens, "to")
	assert.NotContains(t, tokens, "it")
}

func TestTokenizeProse_Lowercases(t *testing.T) {
	tokens := tokenizeProse("Folder Watcher")
	assert.Equal(t, []string{"folder", "watcher"}, tokens)
}

func TestCountSentences(t *testing.T) {
	assert.Equal(t, 3, countSentences("One. Two! Three?"))
	assert.Equal(t, 1, countSentences("no terminal punctuation"))
}

func TestFleschReadingEase_Bounds(t *testing.T) {
	score := fleschReadingEase("The cat sat on the mat. It was a sunny day.")
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 100.0)

	assert.Equal(t, 0.0, fleschReadingEase(""))
}
