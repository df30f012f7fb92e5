package parser

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/folderkb/engine/internal/chunk"
	"github.com/folderkb/engine/internal/errors"
)

// binarySniffBytes is how much of the file is read to look for a NUL byte
// before treating it as binary. The scanner's own binary check reads only
// the first 512 bytes.
const binarySniffBytes = 1024

// markdownExtensions dispatch to heading-structured text extraction.
var markdownExtensions = map[string]bool{
	".md": true, ".markdown": true, ".mdx": true,
}

// plainTextExtensions dispatch straight to text with no structural hints.
var plainTextExtensions = map[string]bool{
	".txt": true, ".json": true, ".yaml": true, ".yml": true, ".toml": true,
	".csv": true, ".ini": true, ".cfg": true, ".conf": true, ".log": true,
	".xml": true, ".html": true, ".htm": true, ".css": true, ".sh": true,
	".sql": true,
}

// headingPattern matches ATX-style markdown headings: # Title .. ###### Title.
var headingPattern = regexp.MustCompile(`(?m)^(#{1,6})\s+(.+)$`)

// Dispatcher routes files to a parsing strategy by extension and produces
// text plus structural hints for the chunker.
type Dispatcher struct {
	treeSitter *chunk.Parser
	extractor  *chunk.SymbolExtractor
	registry   *chunk.LanguageRegistry
}

// NewDispatcher creates a Dispatcher using the default tree-sitter language
// registry (Go, TypeScript, TSX, JavaScript, JSX, Python).
func NewDispatcher() *Dispatcher {
	registry := chunk.DefaultRegistry()
	return &Dispatcher{
		treeSitter: chunk.NewParserWithRegistry(registry),
		extractor:  chunk.NewSymbolExtractorWithRegistry(registry),
		registry:   registry,
	}
}

// Close releases the underlying tree-sitter parser.
func (d *Dispatcher) Close() {
	d.treeSitter.Close()
}

// Parse reads path and returns its text and structural hints. Unknown
// extensions fail loud with ErrCodeUnsupportedFormat; files containing a
// NUL byte in their first KB are reported as ErrCodeSkippedBinary; content
// that cannot be read or parsed as claimed is ErrCodeCorruptPayload. No
// partial text is ever returned alongside an error.
func (d *Dispatcher) Parse(ctx context.Context, path string) (*Result, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeCorruptPayload, err)
	}

	sniffLen := len(content)
	if sniffLen > binarySniffBytes {
		sniffLen = binarySniffBytes
	}
	if bytes.IndexByte(content[:sniffLen], 0) != -1 {
		return nil, errors.New(errors.ErrCodeSkippedBinary, "binary content detected", nil).WithDetail("path", path)
	}

	ext := strings.ToLower(filepath.Ext(path))

	switch {
	case markdownExtensions[ext]:
		return parseMarkdown(content), nil
	case plainTextExtensions[ext]:
		return &Result{Text: string(content)}, nil
	}

	if cfg, ok := d.registry.GetByExtension(ext); ok {
		return d.parseCode(ctx, content, cfg.Name, path)
	}

	return nil, errors.New(errors.ErrCodeUnsupportedFormat, "no parser registered for extension", nil).
		WithDetail("path", path).WithDetail("extension", ext)
}

// parseMarkdown extracts ATX headings as structural hints; the full
// document text is returned unmodified.
func parseMarkdown(content []byte) *Result {
	text := string(content)
	var hints []StructureHint

	matches := headingPattern.FindAllStringSubmatchIndex(text, -1)
	for _, m := range matches {
		label := strings.TrimSpace(text[m[4]:m[5]])
		line := strings.Count(text[:m[0]], "\n") + 1
		hints = append(hints, StructureHint{Kind: "heading", Label: label, Line: line})
	}

	return &Result{Text: text, Structure: hints}
}

// parseCode runs the tree-sitter parser for language and converts the
// extracted symbols into structural hints.
func (d *Dispatcher) parseCode(ctx context.Context, content []byte, language, path string) (*Result, error) {
	tree, err := d.treeSitter.Parse(ctx, content, language)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeCorruptPayload, err).WithDetail("path", path)
	}

	symbols := d.extractor.Extract(tree, content)
	hints := make([]StructureHint, 0, len(symbols))
	for _, sym := range symbols {
		hints = append(hints, StructureHint{
			Kind:  symbolKindLabel(sym.Type),
			Label: sym.Name,
			Line:  sym.StartLine,
		})
	}

	return &Result{Text: string(content), Structure: hints}, nil
}

func symbolKindLabel(t chunk.SymbolType) string {
	switch t {
	case chunk.SymbolTypeFunction:
		return "function"
	case chunk.SymbolTypeMethod:
		return "method"
	case chunk.SymbolTypeClass:
		return "class"
	case chunk.SymbolTypeInterface:
		return "interface"
	case chunk.SymbolTypeType:
		return "type"
	default:
		return string(t)
	}
}
