package chunk

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// Token and overlap targets for the generic document chunker. Distinct from
// DefaultMaxChunkTokens/DefaultOverlapTokens in types.go, which size the
// code-aware chunkers using the char/4 heuristic; this chunker measures
// tokens with documentTokenPattern instead.
const (
	DocumentMinChunkTokens = 200
	DocumentMaxChunkTokens = 500
	documentTargetTokens   = (DocumentMinChunkTokens + DocumentMaxChunkTokens) / 2
	// DocumentOverlapTokens is 10% of the midpoint target, per the chunker's
	// overlap contract ("10% of target size, measured in tokens").
	DocumentOverlapTokens = documentTargetTokens / 10
)

// documentTokenPattern implements the "simple whitespace+punctuation
// tokenizer" the generic chunker sizes against: runs of alphanumerics count
// as one token each, every other non-space character counts as its own
// token. Deliberately not the char/4 heuristic used by estimateTokens.
var documentTokenPattern = regexp.MustCompile(`[A-Za-z0-9]+|[^\sA-Za-z0-9]`)

// paragraphBoundaryPattern marks a paragraph break: two or more newlines,
// optionally with trailing whitespace on the blank line(s).
var paragraphBoundaryPattern = regexp.MustCompile(`\n[ \t]*\n+`)

// sentenceEndPattern finds sentence-ending punctuation runs (".", "!!" etc.)
var sentenceEndPattern = regexp.MustCompile(`[.!?]+`)

// sentenceAbbreviations lists trailing words after which a "." does not end
// a sentence. Lowercase, including the period.
var sentenceAbbreviations = map[string]bool{
	"mr.": true, "mrs.": true, "ms.": true, "dr.": true, "prof.": true,
	"sr.": true, "jr.": true, "st.": true, "vs.": true, "etc.": true,
	"e.g.": true, "i.e.": true, "inc.": true, "ltd.": true, "co.": true,
	"fig.": true, "no.": true, "approx.": true, "cf.": true,
}

// Heading is a structural hint attached to chunks produced by DocumentChunker:
// the nearest preceding section heading, addressed by its line number.
// Callers translating hints from another layer (e.g. the parser dispatcher's
// markdown headings) construct these directly; DocumentChunker also detects
// its own when none are supplied.
type Heading struct {
	Line  int
	Label string
}

// DocumentChunkerOptions configures DocumentChunker behavior.
type DocumentChunkerOptions struct {
	MinTokens     int // default DocumentMinChunkTokens
	MaxTokens     int // default DocumentMaxChunkTokens
	OverlapTokens int // default DocumentOverlapTokens
}

// DocumentChunker implements the generic, structure-agnostic document
// chunking contract: sentence-respecting, paragraph-preferring, targeting a
// token window with a fixed fractional overlap between consecutive chunks.
// Unlike MarkdownChunker and CodeChunker it has no notion of a specific
// source format beyond optional heading hints.
type DocumentChunker struct {
	options DocumentChunkerOptions
}

// NewDocumentChunker creates a DocumentChunker with default token targets.
func NewDocumentChunker() *DocumentChunker {
	return NewDocumentChunkerWithOptions(DocumentChunkerOptions{})
}

// NewDocumentChunkerWithOptions creates a DocumentChunker with custom token targets.
func NewDocumentChunkerWithOptions(opts DocumentChunkerOptions) *DocumentChunker {
	if opts.MinTokens <= 0 {
		opts.MinTokens = DocumentMinChunkTokens
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DocumentMaxChunkTokens
	}
	if opts.OverlapTokens <= 0 {
		opts.OverlapTokens = DocumentOverlapTokens
	}
	return &DocumentChunker{options: opts}
}

// SupportedExtensions returns file extensions this chunker handles: plain
// prose formats without their own dedicated chunker.
func (c *DocumentChunker) SupportedExtensions() []string {
	return []string{".txt", ".rst", ".adoc", ".asciidoc", ".text"}
}

// Chunk splits a file into chunks, detecting headings from "# "-style lines
// in the text itself. Use ChunkWithHints to supply externally-parsed
// structural hints instead (e.g. from a format-specific parser).
func (c *DocumentChunker) Chunk(ctx context.Context, file *FileInput) ([]*Chunk, error) {
	return c.ChunkWithHints(ctx, file, nil)
}

// ChunkWithHints splits file into chunks, attaching the heading whose Line
// most closely precedes each chunk's start. When hints is empty, headings
// are detected directly from the text using the same "#"-prefixed pattern
// MarkdownChunker uses.
func (c *DocumentChunker) ChunkWithHints(ctx context.Context, file *FileInput, hints []Heading) ([]*Chunk, error) {
	content := string(file.Content)
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}

	if len(hints) == 0 {
		hints = detectHeadings(content)
	}

	paragraphs := splitParagraphSpans(content)
	var units []sentenceUnit
	for _, p := range paragraphs {
		heading := headingFor(hints, lineAt(content, p.start))
		units = append(units, c.sentenceUnitsForParagraph(content, p, heading)...)
	}
	if len(units) == 0 {
		return nil, nil
	}

	groups := c.groupUnits(units)

	now := time.Now()
	chunks := make([]*Chunk, 0, len(groups))
	for i, grp := range groups {
		withOverlap := grp
		if i > 0 {
			overlap := trailingUnitsWithinBudget(groups[i-1], c.options.OverlapTokens)
			if len(overlap) > 0 {
				withOverlap = append(append([]sentenceUnit{}, overlap...), grp...)
			}
		}
		chunks = append(chunks, c.buildChunk(file, withOverlap, now))
	}
	return chunks, nil
}

// sentenceUnit is one sentence plus the bookkeeping needed to pack it into a
// chunk: its token count, owning heading, line span, and whether it is the
// last sentence of its paragraph (groupUnits prefers to cut there).
type sentenceUnit struct {
	text         string
	tokens       int
	heading      string
	startLine    int
	endLine      int
	paragraphEnd bool
}

func (c *DocumentChunker) sentenceUnitsForParagraph(content string, p paragraphSpan, heading string) []sentenceUnit {
	sentences := splitSentences(p.text)
	var units []sentenceUnit
	cursor := p.start
	lastIdx := -1
	for _, s := range sentences {
		if strings.TrimSpace(s) != "" {
			lastIdx = len(units)
		}
		trimmed := strings.TrimSpace(s)
		if trimmed == "" {
			continue
		}
		// Locate this sentence within the paragraph text to compute its line span.
		idx := strings.Index(content[cursor:], strings.TrimLeft(s, " \t\n"))
		start := cursor
		if idx >= 0 {
			start = cursor + idx
		}
		end := start + len(s)
		units = append(units, sentenceUnit{
			text:      trimmed,
			tokens:    countTokens(trimmed),
			heading:   heading,
			startLine: lineAt(content, start),
			endLine:   lineAt(content, end),
		})
		if end > cursor {
			cursor = end
		}
	}
	if lastIdx >= 0 {
		units[lastIdx].paragraphEnd = true
	}
	return units
}

// groupUnits packs sentence units into token-budget groups. Priority order
// matches the chunker's contract: a sentence is never split across groups;
// among valid cut points, a paragraph end is preferred once MinTokens is
// reached; failing that (a paragraph larger than MaxTokens on its own), the
// group is cut at the nearest sentence boundary instead so it never
// silently exceeds MaxTokens.
func (c *DocumentChunker) groupUnits(units []sentenceUnit) [][]sentenceUnit {
	var groups [][]sentenceUnit
	var pending []sentenceUnit
	pendingTokens := 0

	flush := func() {
		if len(pending) > 0 {
			groups = append(groups, pending)
			pending = nil
			pendingTokens = 0
		}
	}

	for _, u := range units {
		if len(pending) > 0 && pending[len(pending)-1].heading != u.heading {
			flush()
		}
		if pendingTokens > 0 && pendingTokens+u.tokens > c.options.MaxTokens {
			flush()
		}
		pending = append(pending, u)
		pendingTokens += u.tokens
		if pendingTokens >= c.options.MinTokens && u.paragraphEnd {
			flush()
		}
	}
	flush()
	return groups
}

// trailingUnitsWithinBudget returns the longest run of trailing units from
// prev whose combined token count does not exceed budget.
func trailingUnitsWithinBudget(prev []sentenceUnit, budget int) []sentenceUnit {
	if budget <= 0 {
		return nil
	}
	total := 0
	start := len(prev)
	for start > 0 {
		t := prev[start-1].tokens
		if total+t > budget {
			break
		}
		total += t
		start--
	}
	return prev[start:]
}

func (c *DocumentChunker) buildChunk(file *FileInput, units []sentenceUnit, now time.Time) *Chunk {
	var b strings.Builder
	startLine, endLine := units[0].startLine, units[0].endLine
	heading := units[len(units)-1].heading
	for i, u := range units {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(u.text)
		if u.startLine < startLine {
			startLine = u.startLine
		}
		if u.endLine > endLine {
			endLine = u.endLine
		}
	}
	text := b.String()

	return &Chunk{
		ID:          generateChunkID(file.Path, text),
		FilePath:    file.Path,
		Content:     text,
		RawContent:  text,
		ContentType: ContentTypeText,
		Language:    file.Language,
		StartLine:   startLine,
		EndLine:     endLine,
		Metadata: map[string]string{
			"heading": heading,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// paragraphSpan is a paragraph's text plus its byte offset within the
// original document, needed to resolve heading and line-number context.
type paragraphSpan struct {
	text  string
	start int
}

func splitParagraphSpans(content string) []paragraphSpan {
	seps := paragraphBoundaryPattern.FindAllStringIndex(content, -1)
	var spans []paragraphSpan
	prev := 0
	for _, loc := range seps {
		if loc[0] > prev {
			spans = append(spans, paragraphSpan{text: content[prev:loc[0]], start: prev})
		}
		prev = loc[1]
	}
	if prev < len(content) {
		spans = append(spans, paragraphSpan{text: content[prev:], start: prev})
	}
	return spans
}

func detectHeadings(content string) []Heading {
	matches := headerPattern.FindAllStringSubmatchIndex(content, -1)
	var out []Heading
	for _, m := range matches {
		out = append(out, Heading{
			Line:  lineAt(content, m[0]),
			Label: strings.TrimSpace(content[m[4]:m[5]]),
		})
	}
	return out
}

func headingFor(hints []Heading, line int) string {
	var cur string
	for _, h := range hints {
		if h.Line <= line {
			cur = h.Label
		} else {
			break
		}
	}
	return cur
}

func lineAt(content string, offset int) int {
	if offset > len(content) {
		offset = len(content)
	}
	return strings.Count(content[:offset], "\n") + 1
}

// countTokens estimates token count using the whitespace+punctuation
// tokenizer the chunker's 200-500 token target is measured against.
func countTokens(text string) int {
	return len(documentTokenPattern.FindAllString(text, -1))
}

// splitSentences splits text into sentences without breaking mid-sentence:
// a run of ".", "!", "?" only ends a sentence when followed by whitespace
// or end of text, and not when the preceding word is a known abbreviation.
func splitSentences(text string) []string {
	var sentences []string
	last := 0
	matches := sentenceEndPattern.FindAllStringIndex(text, -1)
	for _, m := range matches {
		end := m[1]
		if end < len(text) {
			next := text[end]
			if next != ' ' && next != '\t' && next != '\n' && next != '\r' {
				continue // punctuation not followed by whitespace: not a boundary (e.g. "3.14", "U.S.A!")
			}
		}
		if endsWithAbbreviation(text[last:end]) {
			continue
		}
		sentences = append(sentences, text[last:end])
		last = end
	}
	if last < len(text) {
		sentences = append(sentences, text[last:])
	}
	return sentences
}

func endsWithAbbreviation(s string) bool {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return false
	}
	return sentenceAbbreviations[strings.ToLower(fields[len(fields)-1])]
}
