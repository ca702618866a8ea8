package tus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
)

// DefaultChunkSize is the chunk length used when none is configured. The
// upload endpoint is tuned for 5 MiB chunks.
const DefaultChunkSize = 5 * 1024 * 1024

const defaultUserAgent = "rashberry-cli/0.1"

// offsetUnknown marks a probe response that carried no Upload-Offset.
const offsetUnknown = -1

// CredentialSource supplies the bearer token attached to every request.
// Defined at the consumer; internal/credential provides the implementation.
type CredentialSource interface {
	Token() (string, error)
}

// ClientOptions tunes a Client. Zero values select defaults.
type ClientOptions struct {
	ChunkSize int64
	UserAgent string
	Limiter   *BandwidthLimiter // nil = unlimited
}

// Client performs single TUS round trips against one upload endpoint. It
// never retries: a failed request is reported to the caller, which decides
// whether to resume.
type Client struct {
	endpoint   *url.URL
	httpClient *http.Client
	creds      CredentialSource
	logger     *slog.Logger
	userAgent  string
	chunkSize  int64
	limiter    *BandwidthLimiter
}

// NewClient creates a client for the creation endpoint, e.g.
// "http://localhost:3001/api/upload".
func NewClient(
	endpoint string, httpClient *http.Client, creds CredentialSource, logger *slog.Logger, opts ClientOptions,
) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("tus: parsing endpoint %q: %w", endpoint, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("tus: endpoint %q must be an http or https URL", endpoint)
	}

	if creds == nil {
		return nil, errors.New("tus: credential source must not be nil")
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}

	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}

	return &Client{
		endpoint:   u,
		httpClient: httpClient,
		creds:      creds,
		logger:     logger,
		userAgent:  opts.UserAgent,
		chunkSize:  opts.ChunkSize,
		limiter:    opts.Limiter,
	}, nil
}

// ChunkSize returns the configured chunk length.
func (c *Client) ChunkSize() int64 {
	return c.chunkSize
}

// Endpoint returns the creation endpoint URL.
func (c *Client) Endpoint() string {
	return c.endpoint.String()
}

// UploadStatus is the server view of a session returned by the probe.
// Fields are -1 when the server did not report them.
type UploadStatus struct {
	Offset int64
	Length int64
}

// token reads the current credential. A missing credential is a
// precondition failure, not a transport error.
func (c *Client) token() (string, error) {
	tok, err := c.creds.Token()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPrecondition, err)
	}

	if tok == "" {
		return "", fmt.Errorf("%w: authentication required", ErrPrecondition)
	}

	return tok, nil
}

// CreateUpload issues the creation POST and returns the absolute session
// location.
func (c *Client) CreateUpload(ctx context.Context, length int64, meta map[string]string) (string, error) {
	encoded, err := EncodeMetadata(meta)
	if err != nil {
		return "", err
	}

	c.logger.Info("creating upload",
		slog.String("endpoint", c.endpoint.String()),
		slog.Int64("length", length),
	)

	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint.String(), http.NoBody)
	if err != nil {
		return "", err
	}

	req.Header.Set(HeaderUploadLength, strconv.FormatInt(length, 10))
	req.Header.Set(HeaderUploadMetadata, encoded)
	req.Header.Set("Content-Type", ContentTypeOffsetStream)

	resp, err := c.do(ctx, OpCreate, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	drain(resp.Body)

	loc := resp.Header.Get(HeaderLocation)
	if loc == "" {
		return "", protocolError(OpCreate, resp.StatusCode, "no upload URL returned")
	}

	abs, err := c.resolveLocation(loc)
	if err != nil {
		return "", protocolError(OpCreate, resp.StatusCode, "invalid Location %q: %v", loc, err)
	}

	c.logger.Debug("upload created", slog.String("location", abs))

	return abs, nil
}

// UploadChunk PATCHes length bytes from body at offset and returns the
// cumulative offset the server acknowledged.
func (c *Client) UploadChunk(
	ctx context.Context, location string, offset int64, body io.Reader, length int64,
) (int64, error) {
	c.logger.Debug("uploading chunk",
		slog.Int64("offset", offset),
		slog.Int64("length", length),
	)

	req, err := c.newRequest(ctx, http.MethodPatch, location, c.limiter.WrapReader(ctx, body))
	if err != nil {
		return 0, err
	}

	req.ContentLength = length
	req.Header.Set(HeaderUploadOffset, strconv.FormatInt(offset, 10))
	req.Header.Set("Content-Type", ContentTypeOffsetStream)

	resp, err := c.do(ctx, OpChunk, req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	drain(resp.Body)

	raw := resp.Header.Get(HeaderUploadOffset)

	newOffset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || newOffset < 0 {
		return 0, protocolError(OpChunk, resp.StatusCode, "invalid %s %q in response", HeaderUploadOffset, raw)
	}

	return newOffset, nil
}

// GetOffset probes a session with HEAD. Any 2xx confirms the session exists;
// offset and length are reported when the server includes them.
func (c *Client) GetOffset(ctx context.Context, location string) (*UploadStatus, error) {
	c.logger.Info("probing upload", slog.String("location", location))

	req, err := c.newRequest(ctx, http.MethodHead, location, http.NoBody)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, OpProbe, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	status := &UploadStatus{
		Offset: parseOptionalInt(resp.Header.Get(HeaderUploadOffset)),
		Length: parseOptionalInt(resp.Header.Get(HeaderUploadLength)),
	}

	c.logger.Debug("upload probed",
		slog.Int64("offset", status.Offset),
		slog.Int64("length", status.Length),
	)

	return status, nil
}

// newRequest builds a request carrying the credential and protocol headers.
func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	tok, err := c.token()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("tus: creating %s request: %w", method, err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set(HeaderTusResumable, ProtocolVersion)
	req.Header.Set("User-Agent", c.userAgent)

	return req, nil
}

// do executes req once and classifies the outcome. Non-2xx responses are
// closed and returned as *UploadError; cancellation is reported as
// ErrCanceled regardless of which layer noticed it.
func (c *Client) do(ctx context.Context, op Op, req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
			return nil, fmt.Errorf("%w: %w", ErrCanceled, ctxErr)
		}

		c.logger.Warn("request failed",
			slog.String("op", string(op)),
			slog.String("method", req.Method),
			slog.String("error", err.Error()),
		)

		return nil, &UploadError{Op: op, Message: err.Error(), Err: sentinelFor(op)}
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return resp, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody)) //nolint:errcheck // best-effort read for error message
	resp.Body.Close()

	c.logger.Warn("request rejected",
		slog.String("op", string(op)),
		slog.String("method", req.Method),
		slog.Int("status", resp.StatusCode),
	)

	return nil, &UploadError{
		Op:         op,
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("X-Request-Id"),
		Message:    string(body),
		Err:        sentinelForStatus(op, resp.StatusCode),
	}
}

// resolveLocation turns a Location header value into an absolute URL,
// resolving endpoint-relative values against the creation endpoint.
func (c *Client) resolveLocation(loc string) (string, error) {
	ref, err := url.Parse(loc)
	if err != nil {
		return "", err
	}

	return c.endpoint.ResolveReference(ref).String(), nil
}

// drain discards the rest of a response body so the connection is reused.
func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, r) //nolint:errcheck // connection reuse only
}

func parseOptionalInt(s string) int64 {
	if s == "" {
		return offsetUnknown
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return offsetUnknown
	}

	return n
}
