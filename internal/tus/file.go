package tus

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/text/unicode/norm"
)

// File is the local payload of an upload session. Implementations must be
// safe to read at arbitrary offsets; the driver slices it per chunk and
// never mutates it.
type File interface {
	io.ReaderAt
	Size() int64
	Name() string
	ContentType() string
}

// LocalFile is a File backed by an open file on disk.
type LocalFile struct {
	f           *os.File
	size        int64
	name        string
	contentType string
}

// OpenFile opens path for upload. The name sent to the server is the base
// name normalized to NFC, so a file created on macOS (NFD) and one created on
// Linux produce the same metadata. The content type is sniffed from the
// file's leading bytes.
func OpenFile(path string) (*LocalFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("tus: opening %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("tus: stat %s: %w", path, err)
	}

	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("tus: %s is a directory", path)
	}

	mt, err := mimetype.DetectReader(io.NewSectionReader(f, 0, info.Size()))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("tus: detecting content type of %s: %w", path, err)
	}

	return &LocalFile{
		f:           f,
		size:        info.Size(),
		name:        norm.NFC.String(filepath.Base(path)),
		contentType: mt.String(),
	}, nil
}

// ReadAt implements io.ReaderAt.
func (lf *LocalFile) ReadAt(p []byte, off int64) (int, error) {
	return lf.f.ReadAt(p, off)
}

// Size returns the file length captured at open time.
func (lf *LocalFile) Size() int64 { return lf.size }

// Name returns the NFC-normalized base name.
func (lf *LocalFile) Name() string { return lf.name }

// ContentType returns the detected MIME type.
func (lf *LocalFile) ContentType() string { return lf.contentType }

// Path returns the path the file was opened from.
func (lf *LocalFile) Path() string { return lf.f.Name() }

// Close closes the underlying file.
func (lf *LocalFile) Close() error {
	return lf.f.Close()
}

// BytesFile is an in-memory File.
type BytesFile struct {
	r           *bytes.Reader
	name        string
	contentType string
}

// NewBytesFile wraps data as a File. An empty contentType is detected from
// the data.
func NewBytesFile(name, contentType string, data []byte) *BytesFile {
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}

	return &BytesFile{r: bytes.NewReader(data), name: name, contentType: contentType}
}

// ReadAt implements io.ReaderAt.
func (bf *BytesFile) ReadAt(p []byte, off int64) (int, error) {
	return bf.r.ReadAt(p, off)
}

// Size returns the payload length.
func (bf *BytesFile) Size() int64 { return bf.r.Size() }

// Name returns the file name.
func (bf *BytesFile) Name() string { return bf.name }

// ContentType returns the MIME type.
func (bf *BytesFile) ContentType() string { return bf.contentType }
