// Package parser dispatches a file to the right extraction strategy and
// returns its plain text plus structural hints, per the folder indexing
// pipeline's Parser Dispatcher stage.
package parser

// StructureHint is one structural landmark found in a document: a heading
// for prose, a symbol declaration for code. The chunker uses these to find
// good split points and to label chunks with their nearest preceding
// heading.
type StructureHint struct {
	Kind  string // "heading", "function", "method", "class", "type"
	Label string
	Line  int // 1-indexed
}

// Result is the output of parsing a single file.
type Result struct {
	Text      string
	Structure []StructureHint
}
