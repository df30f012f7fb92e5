package semantic

import (
	"regexp"
	"strings"

	"github.com/folderkb/engine/internal/store"
)

// proseWordPattern splits prose into word tokens, mirroring the code
// tokenizer's whitespace+punctuation split but without the code-oriented
// underscore handling, since prose identifiers aren't snake_case/camelCase.
var proseWordPattern = regexp.MustCompile(`[a-zA-Z']+`)

// defaultProseStopWords filters common English function words so that
// topic/key-phrase candidates skew toward content words. Distinct from
// store.DefaultCodeStopWords, which filters programming keywords instead.
var defaultProseStopWords = []string{
	"a", "an", "the", "and", "or", "but", "if", "then", "than", "so",
	"of", "to", "in", "on", "at", "by", "for", "with", "about", "as",
	"is", "are", "was", "were", "be", "been", "being", "am",
	"this", "that", "these", "those", "it", "its", "it's",
	"i", "you", "he", "she", "we", "they", "them", "his", "her", "their",
	"not", "no", "do", "does", "did", "can", "could", "will", "would",
	"shall", "should", "may", "might", "must", "have", "has", "had",
	"from", "into", "over", "under", "again", "further", "there", "here",
	"what", "which", "who", "whom", "when", "where", "why", "how",
	"all", "any", "both", "each", "few", "more", "most", "other", "some",
	"such", "only", "own", "same", "too", "very", "just", "also",
}

var proseStopWordSet = store.BuildStopWordMap(defaultProseStopWords)

// tokenizeProse lowercases and splits text into content words, dropping
// stop words and tokens shorter than 2 characters.
func tokenizeProse(text string) []string {
	words := proseWordPattern.FindAllString(text, -1)
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		lower := strings.ToLower(strings.Trim(w, "'"))
		if len(lower) < 2 {
			continue
		}
		tokens = append(tokens, lower)
	}
	return store.FilterStopWords(tokens, proseStopWordSet)
}

// countSentences counts sentences in text for readability scoring, using the
// same end-of-sentence punctuation the generic document chunker treats as a
// boundary (".", "!", "?").
func countSentences(text string) int {
	count := 0
	for _, r := range text {
		if r == '.' || r == '!' || r == '?' {
			count++
		}
	}
	if count == 0 {
		return 1
	}
	return count
}

// countSyllables estimates syllables in a word via vowel-group counting, the
// standard approximation used by Flesch-family readability formulas when a
// pronunciation dictionary isn't available.
func countSyllables(word string) int {
	word = strings.ToLower(word)
	count := 0
	prevVowel := false
	for _, r := range word {
		isVowel := strings.ContainsRune("aeiouy", r)
		if isVowel && !prevVowel {
			count++
		}
		prevVowel = isVowel
	}
	if strings.HasSuffix(word, "e") && count > 1 {
		count--
	}
	if count == 0 {
		count = 1
	}
	return count
}

// fleschReadingEase computes the classic Flesch Reading Ease score (0-100,
// higher = easier), then rescaleReadability rescales it into the pipeline's
// documented 0-100 band where technical prose lands 40-60.
func fleschReadingEase(text string) float64 {
	words := proseWordPattern.FindAllString(text, -1)
	if len(words) == 0 {
		return 0
	}
	sentences := float64(countSentences(text))
	syllables := 0
	for _, w := range words {
		syllables += countSyllables(w)
	}
	wordCount := float64(len(words))
	score := 206.835 - 1.015*(wordCount/sentences) - 84.6*(float64(syllables)/wordCount)
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}
