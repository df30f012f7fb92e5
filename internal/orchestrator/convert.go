package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/folderkb/engine/internal/chunk"
	"github.com/folderkb/engine/internal/parser"
	"github.com/folderkb/engine/internal/store"
)

// hashString mirrors the teacher's internal/index.hashString: a 16-char hex
// content hash used for stable, deterministic file and project IDs.
func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])[:16]
}

// headingsFromStructure translates the parser dispatcher's format-neutral
// StructureHints into the chunk package's Heading, so DocumentChunker can
// label chunks without re-parsing the document's structure itself. Only
// "heading" hints carry meaning for prose chunking; code's function/class/
// method/type hints go through CodeChunker's own symbol-based splitting
// instead.
func headingsFromStructure(hints []parser.StructureHint) []chunk.Heading {
	var out []chunk.Heading
	for _, h := range hints {
		if h.Kind != "heading" {
			continue
		}
		out = append(out, chunk.Heading{Line: h.Line, Label: h.Label})
	}
	return out
}

// convertChunkToStore adapts the teacher's function of the same name: it now
// also assigns ChunkIndex positionally, since store.Chunk's ChunkIndex
// (unlike the chunk package's in-flight Chunk) carries document-outline
// ordering that the retrieval engine depends on.
func convertChunkToStore(c *chunk.Chunk, fileID string, chunkIndex int, now time.Time) *store.Chunk {
	var symbols []*store.Symbol
	for _, s := range c.Symbols {
		symbols = append(symbols, &store.Symbol{
			Name:       s.Name,
			Type:       store.SymbolType(s.Type),
			StartLine:  s.StartLine,
			EndLine:    s.EndLine,
			Signature:  s.Signature,
			DocComment: s.DocComment,
		})
	}

	return &store.Chunk{
		ID:          c.ID,
		FileID:      fileID,
		FilePath:    c.FilePath,
		Content:     c.Content,
		RawContent:  c.RawContent,
		Context:     c.Context,
		ContentType: store.ContentType(c.ContentType),
		Language:    c.Language,
		StartLine:   c.StartLine,
		EndLine:     c.EndLine,
		Symbols:     symbols,
		Metadata:    c.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
		ChunkIndex:  chunkIndex,
	}
}

// filenameChunk builds the synthetic ChunkIndex -1 chunk: tokenized filename
// content sharing the document's vector space, so a search for "user
// service controller" can surface UserServiceController.go even when its
// body never spells those words out.
func filenameChunk(fileID, relPath string, tokens []string, now time.Time) *store.Chunk {
	content := joinTokens(tokens)
	return &store.Chunk{
		ID:          hashString(relPath + "\x00filename"),
		FileID:      fileID,
		FilePath:    relPath,
		Content:     content,
		ContentType: store.ContentTypeText,
		ChunkIndex:  -1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func joinTokens(tokens []string) string {
	out := ""
	for i, t := range tokens {
		if i > 0 {
			out += " "
		}
		out += t
	}
	return out
}
