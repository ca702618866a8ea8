package tus

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/unicode/norm"
)

func TestOpenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "page.html")
	content := []byte("<!DOCTYPE html><html><body>hello</body></html>")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	f, err := OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, "page.html", f.Name())
	assert.Equal(t, int64(len(content)), f.Size())
	assert.Equal(t, path, f.Path())
	assert.Contains(t, f.ContentType(), "text/html")

	got, err := io.ReadAll(io.NewSectionReader(f, 5, 4))
	require.NoError(t, err)
	assert.Equal(t, content[5:9], got)
}

func TestOpenFile_NormalizesName(t *testing.T) {
	dir := t.TempDir()
	decomposed := norm.NFD.String("café.txt")
	path := filepath.Join(dir, decomposed)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	f, err := OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, norm.NFC.String("café.txt"), f.Name())
}

func TestOpenFile_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := OpenFile(filepath.Join(dir, "missing"))
	assert.Error(t, err)

	_, err = OpenFile(dir)
	assert.Error(t, err)
}

func TestNewBytesFile_DetectsType(t *testing.T) {
	f := NewBytesFile("doc", "", []byte("%PDF-1.7\n"))
	assert.Equal(t, "application/pdf", f.ContentType())
	assert.Equal(t, int64(9), f.Size())

	f = NewBytesFile("clip.mp4", "video/mp4", nil)
	assert.Equal(t, "video/mp4", f.ContentType())
	assert.Equal(t, int64(0), f.Size())
}
