package parser

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	amanerrors "github.com/folderkb/engine/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestParse_Markdown_ExtractsHeadings(t *testing.T) {
	content := "# Title\n\nIntro text.\n\n## Section One\n\nBody.\n"
	path := writeTemp(t, "doc.md", []byte(content))

	d := NewDispatcher()
	defer d.Close()

	result, err := d.Parse(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, content, result.Text)
	require.Len(t, result.Structure, 2)
	assert.Equal(t, "Title", result.Structure[0].Label)
	assert.Equal(t, 1, result.Structure[0].Line)
	assert.Equal(t, "Section One", result.Structure[1].Label)
	assert.Equal(t, "heading", result.Structure[1].Kind)
}

func TestParse_PlainText_NoStructure(t *testing.T) {
	path := writeTemp(t, "notes.txt", []byte("just some notes"))

	d := NewDispatcher()
	defer d.Close()

	result, err := d.Parse(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "just some notes", result.Text)
	assert.Empty(t, result.Structure)
}

func TestParse_Go_ExtractsFunctionSymbols(t *testing.T) {
	src := "package main\n\nfunc Hello() string {\n\treturn \"hi\"\n}\n"
	path := writeTemp(t, "main.go", []byte(src))

	d := NewDispatcher()
	defer d.Close()

	result, err := d.Parse(context.Background(), path)
	require.NoError(t, err)
	require.NotEmpty(t, result.Structure)
	assert.Equal(t, "Hello", result.Structure[0].Label)
	assert.Equal(t, "function", result.Structure[0].Kind)
}

func TestParse_UnsupportedFormat_FailsLoud(t *testing.T) {
	path := writeTemp(t, "image.weirdext", []byte("whatever"))

	d := NewDispatcher()
	defer d.Close()

	_, err := d.Parse(context.Background(), path)
	require.Error(t, err)
	amanErr, ok := err.(*amanerrors.PipelineError)
	require.True(t, ok)
	assert.Equal(t, amanerrors.ErrCodeUnsupportedFormat, amanErr.Code)
}

func TestParse_BinaryDetection_SkipsWithNoPartialText(t *testing.T) {
	content := append([]byte("some header"), 0x00, 0x01, 0x02)
	path := writeTemp(t, "payload.bin", content)

	d := NewDispatcher()
	defer d.Close()

	result, err := d.Parse(context.Background(), path)
	require.Error(t, err)
	assert.Nil(t, result)
	amanErr, ok := err.(*amanerrors.PipelineError)
	require.True(t, ok)
	assert.Equal(t, amanerrors.ErrCodeSkippedBinary, amanErr.Code)
}
