// Package tustest provides an in-process TUS 1.0.0 server for tests. It
// implements the core protocol plus creation, records every request, and
// exposes hooks for injecting faults (status overrides, partial acceptance,
// blocking) at chosen chunks.
package tustest

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/mux"
)

// Token is the bearer credential the server accepts unless Server.Token is
// changed.
const Token = "test-token"

// Request is a recorded protocol request.
type Request struct {
	Method   string
	Path     string
	Offset   int64 // Upload-Offset request header, -1 if absent
	Length   int64 // body bytes received (PATCH) or Upload-Length (POST)
	Metadata string
	Header   http.Header
}

// ChunkHook runs before a PATCH is applied. n counts PATCH requests from 1.
// Returning a non-zero status makes the server reply with it and drop the
// chunk. Returning accept >= 0 truncates how many body bytes are stored.
type ChunkHook func(r *http.Request, n int, offset int64) (status int, accept int64)

// Upload is the server-side state of one upload.
type Upload struct {
	ID       string
	Length   int64
	Metadata map[string]string
	Data     []byte
}

// Server is a fake TUS endpoint. The zero value is not usable; call New.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	uploads  map[string]*Upload
	requests []Request
	nextID   int
	patches  int

	// Token is the accepted bearer credential; empty disables the check.
	Token string
	// AbsoluteLocation makes creation return absolute URLs instead of
	// endpoint-relative ones.
	AbsoluteLocation bool
	// OmitLocation makes creation succeed without a Location header.
	OmitLocation bool
	// OmitProbeOffset makes HEAD responses leave out Upload-Offset.
	OmitProbeOffset bool
	// CreateStatus overrides the creation response status when non-zero.
	CreateStatus int
	// ProbeStatus overrides the HEAD response status when non-zero.
	ProbeStatus int
	// OnChunk is consulted for every PATCH.
	OnChunk ChunkHook
}

// New starts a server with the creation endpoint at /api/upload.
func New() *Server {
	s := &Server{
		uploads: make(map[string]*Upload),
		Token:   Token,
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/upload", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/api/upload/{id}", s.handleHead).Methods(http.MethodHead)
	r.HandleFunc("/api/upload/{id}", s.handlePatch).Methods(http.MethodPatch)

	s.Server = httptest.NewServer(r)

	return s
}

// Endpoint returns the creation URL.
func (s *Server) Endpoint() string {
	return s.URL + "/api/upload"
}

// Requests returns a copy of the recorded requests.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Request, len(s.requests))
	copy(out, s.requests)

	return out
}

// Patches returns only the recorded PATCH requests.
func (s *Server) Patches() []Request {
	var out []Request

	for _, r := range s.Requests() {
		if r.Method == http.MethodPatch {
			out = append(out, r)
		}
	}

	return out
}

// Get returns the upload with id, or nil.
func (s *Server) Get(id string) *Upload {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.uploads[id]
}

// Seed registers an upload holding data out of a total of length bytes and
// returns its absolute location. Used to set up resume scenarios.
func (s *Server) Seed(length int64, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.newIDLocked()
	s.uploads[id] = &Upload{ID: id, Length: length, Data: append([]byte(nil), data...)}

	return s.Endpoint() + "/" + id
}

func (s *Server) newIDLocked() string {
	s.nextID++
	return fmt.Sprintf("u%d", s.nextID)
}

func (s *Server) record(r *http.Request, length int64) {
	req := Request{
		Method:   r.Method,
		Path:     r.URL.Path,
		Offset:   -1,
		Length:   length,
		Metadata: r.Header.Get("Upload-Metadata"),
		Header:   r.Header.Clone(),
	}

	if v := r.Header.Get("Upload-Offset"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			req.Offset = n
		}
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
}

// checkCommon validates the protocol version and credential shared by all
// requests. It writes the error response and returns false on failure.
func (s *Server) checkCommon(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Tus-Resumable") != "1.0.0" {
		w.Header().Set("Tus-Version", "1.0.0")
		w.WriteHeader(http.StatusPreconditionFailed)

		return false
	}

	if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}

	return true
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	length, err := strconv.ParseInt(r.Header.Get("Upload-Length"), 10, 64)
	if err != nil {
		length = -1
	}

	s.record(r, length)
	w.Header().Set("Tus-Resumable", "1.0.0")

	if !s.checkCommon(w, r) {
		return
	}

	if s.CreateStatus != 0 {
		w.WriteHeader(s.CreateStatus)
		return
	}

	if length < 0 {
		http.Error(w, "invalid Upload-Length", http.StatusBadRequest)
		return
	}

	meta, err := decodeMetadata(r.Header.Get("Upload-Metadata"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	id := s.newIDLocked()
	s.uploads[id] = &Upload{ID: id, Length: length, Metadata: meta}
	s.mu.Unlock()

	if !s.OmitLocation {
		loc := "/api/upload/" + id
		if s.AbsoluteLocation {
			loc = s.URL + loc
		}

		w.Header().Set("Location", loc)
	}

	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) {
	s.record(r, 0)
	w.Header().Set("Tus-Resumable", "1.0.0")

	if !s.checkCommon(w, r) {
		return
	}

	if s.ProbeStatus != 0 {
		w.WriteHeader(s.ProbeStatus)
		return
	}

	up := s.Get(mux.Vars(r)["id"])
	if up == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	s.mu.Lock()
	offset := int64(len(up.Data))
	s.mu.Unlock()

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Upload-Length", strconv.FormatInt(up.Length, 10))

	if !s.OmitProbeOffset {
		w.Header().Set("Upload-Offset", strconv.FormatInt(offset, 10))
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.record(r, int64(len(body)))
	w.Header().Set("Tus-Resumable", "1.0.0")

	if !s.checkCommon(w, r) {
		return
	}

	if r.Header.Get("Content-Type") != "application/offset+octet-stream" {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		return
	}

	up := s.Get(mux.Vars(r)["id"])
	if up == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	offset, err := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
	if err != nil {
		http.Error(w, "invalid Upload-Offset", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.patches++
	n := s.patches
	s.mu.Unlock()

	accept := int64(len(body))

	if s.OnChunk != nil {
		status, limit := s.OnChunk(r, n, offset)
		if status != 0 {
			w.WriteHeader(status)
			return
		}

		if limit >= 0 && limit < accept {
			accept = limit
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if offset != int64(len(up.Data)) {
		w.WriteHeader(http.StatusConflict)
		return
	}

	if offset+accept > up.Length {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}

	up.Data = append(up.Data, body[:accept]...)

	w.Header().Set("Upload-Offset", strconv.FormatInt(int64(len(up.Data)), 10))
	w.WriteHeader(http.StatusNoContent)
}

// decodeMetadata parses an Upload-Metadata header independently of the
// client's encoder, so tests cross-check the wire format.
func decodeMetadata(header string) (map[string]string, error) {
	meta := make(map[string]string)
	if header == "" {
		return meta, nil
	}

	for _, pair := range strings.Split(header, ",") {
		parts := strings.Split(pair, " ")
		if len(parts) > 2 || parts[0] == "" {
			return nil, fmt.Errorf("malformed metadata pair %q", pair)
		}

		if len(parts) == 1 {
			meta[parts[0]] = ""
			continue
		}

		v, err := base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			return nil, fmt.Errorf("metadata %q: %w", parts[0], err)
		}

		meta[parts[0]] = string(v)
	}

	return meta, nil
}
