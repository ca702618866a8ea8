package tus

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
)

// Protocol header names and values. These are fixed by the upload endpoint
// and must be sent exactly as written.
const (
	ProtocolVersion = "1.0.0"

	HeaderTusResumable   = "Tus-Resumable"
	HeaderUploadLength   = "Upload-Length"
	HeaderUploadOffset   = "Upload-Offset"
	HeaderUploadMetadata = "Upload-Metadata"
	HeaderLocation       = "Location"

	ContentTypeOffsetStream = "application/offset+octet-stream"
)

// Metadata keys sent on session creation.
const (
	MetaFilename = "filename"
	MetaFiletype = "filetype"
)

// EncodeMetadata renders metadata in the Upload-Metadata wire format:
// comma-joined "key base64(value)" pairs with keys in sorted order. A key
// with an empty value is sent bare.
func EncodeMetadata(meta map[string]string) (string, error) {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		if k == "" || strings.ContainsAny(k, " ,") {
			return "", fmt.Errorf("tus: invalid metadata key %q", k)
		}

		keys = append(keys, k)
	}

	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		v := meta[k]
		if v == "" {
			pairs = append(pairs, k)
			continue
		}

		pairs = append(pairs, k+" "+base64.StdEncoding.EncodeToString([]byte(v)))
	}

	return strings.Join(pairs, ","), nil
}

// DecodeMetadata parses an Upload-Metadata header value.
func DecodeMetadata(header string) (map[string]string, error) {
	meta := make(map[string]string)
	if strings.TrimSpace(header) == "" {
		return meta, nil
	}

	for _, pair := range strings.Split(header, ",") {
		key, encoded, _ := strings.Cut(strings.TrimSpace(pair), " ")
		if key == "" {
			return nil, fmt.Errorf("tus: empty metadata key in %q", header)
		}

		value, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("tus: decoding metadata value for %q: %w", key, err)
		}

		meta[key] = string(value)
	}

	return meta, nil
}

// fileMetadata builds the creation metadata for a file.
func fileMetadata(f File) map[string]string {
	return map[string]string{
		MetaFilename: f.Name(),
		MetaFiletype: f.ContentType(),
	}
}
