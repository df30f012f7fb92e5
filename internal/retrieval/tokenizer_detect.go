package retrieval

import "regexp"

// Embedding tokenizers built on BPE/wordpiece vocabularies routinely
// mangle identifier-shaped terms: ALL_CAPS acronyms, kebab-case and
// snake_case names, CamelCase identifiers, and alphanumeric model/part
// numbers get split into near-meaningless sub-word pieces, which tanks
// their contribution to the query's semantic vector. Terms that look like
// this get a second chance through the BM25 keyword path instead of
// relying on the embedding alone.
var poorTokenizerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^[A-Z][A-Z0-9]{2,}$`),      // ALL_CAPS, e.g. HTTP
	regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)+$`), // kebab-case, e.g. e5-large
	regexp.MustCompile(`^[a-z0-9]+(_[a-z0-9]+)+$`), // snake_case, e.g. max_token_count
	regexp.MustCompile(`[a-z][A-Z]|[A-Z]{2,}[a-z]`), // CamelCase / acronym-led mixed case, e.g. FolderKb, HTTPRequest
	regexp.MustCompile(`^[a-zA-Z]+[0-9]+[a-zA-Z0-9]*$`), // alphanumeric, e.g. e5large, gpt4
}

// minPoorTokenizerTermLength mirrors the "length > 3" rule: shorter terms
// (ids, units) generate too many false positives to be worth a BM25 pass.
const minPoorTokenizerTermLength = 3

// isPoorTokenizerTerm reports whether term is shaped in a way that a
// subword tokenizer is likely to fragment badly.
func isPoorTokenizerTerm(term string) bool {
	if len(term) <= minPoorTokenizerTermLength {
		return false
	}
	for _, p := range poorTokenizerPatterns {
		if p.MatchString(term) {
			return true
		}
	}
	return false
}

// detectPoorTokenizerTerms scans pre-tokenized query terms and returns the
// subset shaped like identifiers or acronyms.
func detectPoorTokenizerTerms(terms []string) []string {
	var out []string
	for _, t := range terms {
		if isPoorTokenizerTerm(t) {
			out = append(out, t)
		}
	}
	return out
}
