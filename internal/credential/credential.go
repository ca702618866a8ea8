// Package credential supplies the bearer token attached to upload requests.
//
// A Holder is the process-wide credential: the CLI fills it once from
// RASHBERRY_TOKEN or the token file, and every upload session reads it
// through tus.CredentialSource. Sessions never hold their own copy, so a
// Clear (logout) is seen by the next request of every session.
package credential

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/oauth2"

	"github.com/rashberry/rashberry-cli/internal/tokenfile"
)

// Credential errors.
var (
	ErrNoCredential = errors.New("credential: not logged in")
	ErrExpired      = errors.New("credential: token expired")
)

// Holder is a concurrency-safe, mutable credential.
type Holder struct {
	mu  sync.RWMutex
	tok *oauth2.Token
}

// NewHolder returns a holder for accessToken. An empty string yields an
// empty holder.
func NewHolder(accessToken string) *Holder {
	h := &Holder{}
	if accessToken != "" {
		h.Set(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	}

	return h
}

// LoadFile builds a holder from the token file at path. A missing file
// yields an empty holder; uploads then fail with ErrNoCredential.
func LoadFile(path string) (*Holder, error) {
	tok, _, err := tokenfile.Load(path)
	if err != nil {
		return nil, err
	}

	h := &Holder{}
	if tok != nil {
		h.Set(tok)
	}

	return h, nil
}

// Set replaces the held token.
func (h *Holder) Set(tok *oauth2.Token) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.tok = tok
}

// Clear drops the held token.
func (h *Holder) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.tok = nil
}

// Token returns the current access token. Implements tus.CredentialSource.
func (h *Holder) Token() (string, error) {
	h.mu.RLock()
	tok := h.tok
	h.mu.RUnlock()

	return accessToken(tok)
}

// Source adapts an oauth2.TokenSource, for deployments where the upload
// token is minted by an OAuth2 flow instead of pasted in.
type Source struct {
	src oauth2.TokenSource
}

// FromTokenSource wraps src. Tokens are cached by oauth2.ReuseTokenSource
// until they expire.
func FromTokenSource(src oauth2.TokenSource) *Source {
	return &Source{src: oauth2.ReuseTokenSource(nil, src)}
}

// Token implements tus.CredentialSource.
func (s *Source) Token() (string, error) {
	tok, err := s.src.Token()
	if err != nil {
		return "", fmt.Errorf("credential: obtaining token: %w", err)
	}

	return accessToken(tok)
}

func accessToken(tok *oauth2.Token) (string, error) {
	if tok == nil || tok.AccessToken == "" {
		return "", ErrNoCredential
	}

	if !tok.Valid() {
		return "", ErrExpired
	}

	return tok.AccessToken, nil
}
