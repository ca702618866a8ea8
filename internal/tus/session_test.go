package tus

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rashberry/rashberry-cli/internal/tustest"
)

const mib = 1024 * 1024

// staticToken is a test CredentialSource that returns a fixed token.
type staticToken string

func (t staticToken) Token() (string, error) {
	return string(t), nil
}

// failingToken is a test CredentialSource that always fails.
type failingToken struct{}

func (failingToken) Token() (string, error) {
	return "", errors.New("no token stored")
}

// recorder captures every callback a session fires.
type recorder struct {
	mu        sync.Mutex
	progress  []Progress
	successes []string
	errs      []error
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnProgress: func(p Progress) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.progress = append(r.progress, p)
		},
		OnSuccess: func(loc string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.successes = append(r.successes, loc)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
	}
}

func newTestClient(t *testing.T, endpoint string, chunkSize int64) *Client {
	t.Helper()

	c, err := NewClient(endpoint, http.DefaultClient, staticToken(tustest.Token), slog.Default(),
		ClientOptions{ChunkSize: chunkSize})
	require.NoError(t, err)

	return c
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}

	return data
}

func TestSession_TwelveMiBInThreeChunks(t *testing.T) {
	srv := tustest.New()
	defer srv.Close()

	data := payload(12 * mib)
	client := newTestClient(t, srv.Endpoint(), DefaultChunkSize)

	var rec recorder
	s := NewSession(client, NewBytesFile("clip.mp4", "video/mp4", data), rec.callbacks())
	s.Start(context.Background())

	patches := srv.Patches()
	require.Len(t, patches, 3)
	assert.Equal(t, int64(0), patches[0].Offset)
	assert.Equal(t, int64(5242880), patches[1].Offset)
	assert.Equal(t, int64(10485760), patches[2].Offset)
	assert.Equal(t, int64(2*mib), patches[2].Length)

	require.Len(t, rec.progress, 3)
	last := rec.progress[2]
	assert.Equal(t, int64(12582912), last.BytesUploaded)
	assert.Equal(t, int64(12582912), last.BytesTotal)
	assert.Equal(t, 100, last.Percentage)
	assert.Equal(t, []int{42, 83, 100}, percentages(rec.progress))

	require.Len(t, rec.successes, 1)
	assert.Empty(t, rec.errs)
	assert.Equal(t, s.Location(), rec.successes[0])
	assert.Equal(t, StateCompleted, s.State())

	up := srv.Get("u1")
	require.NotNil(t, up)
	assert.True(t, bytes.Equal(data, up.Data))
	assert.Equal(t, "clip.mp4", up.Metadata["filename"])
	assert.Equal(t, "video/mp4", up.Metadata["filetype"])
}

func TestSession_ChunkCountBound(t *testing.T) {
	for _, size := range []int{1, 9, 10, 11, 29, 30, 31} {
		t.Run(strconv.Itoa(size), func(t *testing.T) {
			srv := tustest.New()
			defer srv.Close()

			client := newTestClient(t, srv.Endpoint(), 10)

			var rec recorder
			s := NewSession(client, NewBytesFile("f.bin", "application/octet-stream", payload(size)), rec.callbacks())
			s.Start(context.Background())

			wantChunks := (size + 9) / 10
			assert.Len(t, srv.Patches(), wantChunks)
			require.Len(t, rec.successes, 1)
			assert.Equal(t, 100, rec.progress[len(rec.progress)-1].Percentage)
		})
	}
}

func TestSession_ZeroLengthFile(t *testing.T) {
	srv := tustest.New()
	defer srv.Close()

	client := newTestClient(t, srv.Endpoint(), DefaultChunkSize)

	var rec recorder
	s := NewSession(client, NewBytesFile("empty.mp4", "video/mp4", nil), rec.callbacks())
	s.Start(context.Background())

	reqs := srv.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, int64(0), reqs[0].Length)
	assert.Empty(t, srv.Patches())

	require.Len(t, rec.successes, 1)
	require.Len(t, rec.progress, 1)
	assert.Equal(t, Progress{BytesUploaded: 0, BytesTotal: 0, Percentage: 100}, rec.progress[0])
}

func TestSession_ChunkFailureHaltsSession(t *testing.T) {
	srv := tustest.New()
	defer srv.Close()

	srv.OnChunk = func(_ *http.Request, n int, _ int64) (int, int64) {
		if n == 2 {
			return http.StatusInternalServerError, -1
		}

		return 0, -1
	}

	client := newTestClient(t, srv.Endpoint(), DefaultChunkSize)

	var rec recorder
	s := NewSession(client, NewBytesFile("clip.mp4", "video/mp4", payload(12*mib)), rec.callbacks())
	s.Start(context.Background())

	assert.Len(t, srv.Patches(), 2, "no chunk after the failed one")
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrChunkTransfer)
	assert.Empty(t, rec.successes)

	var upErr *UploadError
	require.ErrorAs(t, rec.errs[0], &upErr)
	assert.Equal(t, http.StatusInternalServerError, upErr.StatusCode)
	assert.Equal(t, OpChunk, upErr.Op)

	assert.Equal(t, StateFailed, s.State())
	assert.NotEmpty(t, s.Location(), "location survives failure for a later resume")
}

func TestSession_MissingLocation(t *testing.T) {
	srv := tustest.New()
	defer srv.Close()

	srv.OmitLocation = true

	client := newTestClient(t, srv.Endpoint(), DefaultChunkSize)

	var rec recorder
	s := NewSession(client, NewBytesFile("clip.mp4", "video/mp4", payload(100)), rec.callbacks())
	s.Start(context.Background())

	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrCreation)
	assert.Contains(t, rec.errs[0].Error(), "no upload URL returned")
	assert.Empty(t, rec.successes)
	assert.Empty(t, rec.progress)
	assert.Empty(t, srv.Patches())
}

func TestSession_CreationRejected(t *testing.T) {
	srv := tustest.New()
	defer srv.Close()

	srv.CreateStatus = http.StatusForbidden

	client := newTestClient(t, srv.Endpoint(), DefaultChunkSize)

	var rec recorder
	s := NewSession(client, NewBytesFile("clip.mp4", "video/mp4", payload(100)), rec.callbacks())
	s.Start(context.Background())

	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrCreation)
	assert.Empty(t, s.Location())
}

func TestSession_MissingCredential(t *testing.T) {
	srv := tustest.New()
	defer srv.Close()

	for name, creds := range map[string]CredentialSource{
		"error": failingToken{},
		"empty": staticToken(""),
	} {
		t.Run(name, func(t *testing.T) {
			client, err := NewClient(srv.Endpoint(), http.DefaultClient, creds, slog.Default(), ClientOptions{})
			require.NoError(t, err)

			var rec recorder
			s := NewSession(client, NewBytesFile("clip.mp4", "video/mp4", payload(10)), rec.callbacks())
			s.Start(context.Background())

			require.Len(t, rec.errs, 1)
			assert.ErrorIs(t, rec.errs[0], ErrPrecondition)
		})
	}

	assert.Empty(t, srv.Requests(), "no network activity without a credential")
}

func TestSession_AbortDuringChunk(t *testing.T) {
	srv := tustest.New()
	defer srv.Close()

	client := newTestClient(t, srv.Endpoint(), 10)

	var rec recorder
	s := NewSession(client, NewBytesFile("clip.mp4", "video/mp4", payload(50)), rec.callbacks())

	srv.OnChunk = func(r *http.Request, n int, _ int64) (int, int64) {
		if n == 2 {
			s.Abort()

			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		}

		return 0, -1
	}

	s.Start(context.Background())

	assert.Len(t, srv.Patches(), 2, "no chunk after abort")
	assert.Empty(t, rec.errs, "cancellation is not a failure")
	assert.Empty(t, rec.successes)
	assert.Len(t, rec.progress, 1)
	assert.Equal(t, StateCanceled, s.State())

	_, err := s.Result()
	assert.ErrorIs(t, err, ErrCanceled)

	// Idempotent, and the session stays unusable.
	s.Abort()
	s.Start(context.Background())
	assert.Empty(t, rec.errs)
	assert.Len(t, srv.Patches(), 2)
}

func TestSession_ParentContextCanceled(t *testing.T) {
	srv := tustest.New()
	defer srv.Close()

	client := newTestClient(t, srv.Endpoint(), 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv.OnChunk = func(r *http.Request, n int, _ int64) (int, int64) {
		if n == 1 {
			cancel()

			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		}

		return 0, -1
	}

	var rec recorder
	s := NewSession(client, NewBytesFile("clip.mp4", "video/mp4", payload(30)), rec.callbacks())
	s.Start(ctx)

	assert.Empty(t, rec.errs)
	assert.Empty(t, rec.successes)
	assert.Equal(t, StateCanceled, s.State())
}

func TestSession_AbortBeforeStart(t *testing.T) {
	srv := tustest.New()
	defer srv.Close()

	client := newTestClient(t, srv.Endpoint(), 10)

	var rec recorder
	s := NewSession(client, NewBytesFile("clip.mp4", "video/mp4", payload(30)), rec.callbacks())
	s.Abort()

	select {
	case <-s.Done():
	default:
		t.Fatal("Done should be closed after aborting an unstarted session")
	}

	s.Start(context.Background())

	assert.Empty(t, srv.Requests())
	assert.Empty(t, rec.errs)
	assert.Equal(t, StateCanceled, s.State())
}

func TestSession_StartTwice(t *testing.T) {
	srv := tustest.New()
	defer srv.Close()

	client := newTestClient(t, srv.Endpoint(), 10)

	var rec recorder
	s := NewSession(client, NewBytesFile("clip.mp4", "video/mp4", payload(5)), rec.callbacks())
	s.Start(context.Background())
	s.Resume(context.Background(), s.Location())

	require.Len(t, rec.successes, 1)
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrSessionUsed)
	assert.Len(t, srv.Requests(), 2, "second call sends nothing")
}

func TestSession_ResumeFromServerOffset(t *testing.T) {
	srv := tustest.New()
	defer srv.Close()

	data := payload(25)
	loc := srv.Seed(25, data[:7])
	client := newTestClient(t, srv.Endpoint(), 10)

	var rec recorder
	s := NewSession(client, NewBytesFile("clip.mp4", "video/mp4", data), rec.callbacks())
	s.Resume(context.Background(), loc)

	reqs := srv.Requests()
	require.NotEmpty(t, reqs)
	assert.Equal(t, http.MethodHead, reqs[0].Method)

	patches := srv.Patches()
	require.Len(t, patches, 2)
	assert.Equal(t, int64(7), patches[0].Offset, "first chunk starts at the server offset")
	assert.Equal(t, int64(17), patches[1].Offset)

	require.Len(t, rec.successes, 1)
	assert.Equal(t, loc, rec.successes[0])
	assert.True(t, bytes.Equal(data, srv.Get("u1").Data))
}

func TestSession_ResumeAlreadyComplete(t *testing.T) {
	srv := tustest.New()
	defer srv.Close()

	data := payload(20)
	loc := srv.Seed(20, data)
	client := newTestClient(t, srv.Endpoint(), 10)

	var rec recorder
	s := NewSession(client, NewBytesFile("clip.mp4", "video/mp4", data), rec.callbacks())
	s.Resume(context.Background(), loc)

	assert.Empty(t, srv.Patches())
	require.Len(t, rec.successes, 1)
	require.Len(t, rec.progress, 1)
	assert.Equal(t, 100, rec.progress[0].Percentage)
}

func TestSession_ResumeProbeRejected(t *testing.T) {
	srv := tustest.New()
	defer srv.Close()

	client := newTestClient(t, srv.Endpoint(), 10)

	var rec recorder
	s := NewSession(client, NewBytesFile("clip.mp4", "video/mp4", payload(20)), rec.callbacks())
	s.Resume(context.Background(), srv.Endpoint()+"/missing")

	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrResume)
	assert.Empty(t, srv.Patches())
}

func TestSession_ResumeLengthMismatch(t *testing.T) {
	srv := tustest.New()
	defer srv.Close()

	loc := srv.Seed(99, nil)
	client := newTestClient(t, srv.Endpoint(), 10)

	var rec recorder
	s := NewSession(client, NewBytesFile("clip.mp4", "video/mp4", payload(20)), rec.callbacks())
	s.Resume(context.Background(), loc)

	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrSessionGone)
	assert.Contains(t, rec.errs[0].Error(), "does not match local size")
}

// Without an offset in the probe response the loop starts at 0 and the
// server's offset check rejects the chunk; the failure is resumable.
func TestSession_ResumeProbeWithoutOffset(t *testing.T) {
	srv := tustest.New()
	defer srv.Close()

	srv.OmitProbeOffset = true

	data := payload(20)
	loc := srv.Seed(20, data[:5])
	client := newTestClient(t, srv.Endpoint(), 10)

	var rec recorder
	s := NewSession(client, NewBytesFile("clip.mp4", "video/mp4", data), rec.callbacks())
	s.Resume(context.Background(), loc)

	patches := srv.Patches()
	require.Len(t, patches, 1)
	assert.Equal(t, int64(0), patches[0].Offset)
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrChunkTransfer)
}

func TestSession_PartialAcceptance(t *testing.T) {
	srv := tustest.New()
	defer srv.Close()

	// The server stores only 4 bytes of the first chunk.
	srv.OnChunk = func(_ *http.Request, n int, _ int64) (int, int64) {
		if n == 1 {
			return 0, 4
		}

		return 0, -1
	}

	data := payload(20)
	client := newTestClient(t, srv.Endpoint(), 10)

	var rec recorder
	s := NewSession(client, NewBytesFile("clip.mp4", "video/mp4", data), rec.callbacks())
	s.Start(context.Background())

	patches := srv.Patches()
	require.Len(t, patches, 3)
	assert.Equal(t, []int64{0, 4, 14}, []int64{patches[0].Offset, patches[1].Offset, patches[2].Offset})
	require.Len(t, rec.successes, 1)
	assert.True(t, bytes.Equal(data, srv.Get("u1").Data))
}

// scriptedServer answers creation with a fixed location and PATCHes with the
// scripted Upload-Offset values, recording declared offsets.
type scriptedServer struct {
	mu       sync.Mutex
	acks     []string
	declared []string
}

func (ss *scriptedServer) handler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		w.Header().Set("Location", "/files/1")
		w.WriteHeader(http.StatusCreated)
	case http.MethodPatch:
		ss.mu.Lock()
		defer ss.mu.Unlock()

		ss.declared = append(ss.declared, r.Header.Get("Upload-Offset"))

		if len(ss.acks) == 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		if ss.acks[0] != "" {
			w.Header().Set("Upload-Offset", ss.acks[0])
		}

		ss.acks = ss.acks[1:]
		w.WriteHeader(http.StatusNoContent)
	}
}

// Offset regression is unspecified by the protocol. The server value is
// taken as truth and the next chunk is declared at the regressed offset;
// progress observers never see the regression.
func TestSession_OffsetRegressionTrustsServer(t *testing.T) {
	ss := &scriptedServer{acks: []string{"10", "5", "15", "20"}}
	srv := httptest.NewServer(http.HandlerFunc(ss.handler))
	defer srv.Close()

	client := newTestClient(t, srv.URL+"/files", 10)

	var rec recorder
	s := NewSession(client, NewBytesFile("f.bin", "application/octet-stream", payload(20)), rec.callbacks())
	s.Start(context.Background())

	assert.Equal(t, []string{"0", "10", "5", "15"}, ss.declared)
	require.Len(t, rec.successes, 1)

	var uploaded []int64
	for _, p := range rec.progress {
		uploaded = append(uploaded, p.BytesUploaded)
	}

	assert.Equal(t, []int64{10, 15, 20}, uploaded)
}

func TestSession_StalledServer(t *testing.T) {
	ss := &scriptedServer{acks: []string{"0", "0", "0", "0"}}
	srv := httptest.NewServer(http.HandlerFunc(ss.handler))
	defer srv.Close()

	client := newTestClient(t, srv.URL+"/files", 10)

	var rec recorder
	s := NewSession(client, NewBytesFile("f.bin", "application/octet-stream", payload(20)), rec.callbacks())
	s.Start(context.Background())

	assert.Len(t, ss.declared, maxStalledChunks)
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrChunkTransfer)
}

func TestSession_InvalidAckOffset(t *testing.T) {
	tests := map[string]string{
		"missing":     "",
		"garbage":     "abc",
		"negative":    "-4",
		"beyond size": "999",
	}

	for name, ack := range tests {
		t.Run(name, func(t *testing.T) {
			ss := &scriptedServer{acks: []string{ack}}
			srv := httptest.NewServer(http.HandlerFunc(ss.handler))
			defer srv.Close()

			client := newTestClient(t, srv.URL+"/files", 10)

			var rec recorder
			s := NewSession(client, NewBytesFile("f.bin", "application/octet-stream", payload(20)), rec.callbacks())
			s.Start(context.Background())

			require.Len(t, rec.errs, 1)
			assert.ErrorIs(t, rec.errs[0], ErrChunkTransfer)
			assert.Len(t, ss.declared, 1)
			assert.Empty(t, rec.progress)
		})
	}
}

func TestSession_ProgressMonotonic(t *testing.T) {
	srv := tustest.New()
	defer srv.Close()

	client := newTestClient(t, srv.Endpoint(), 7)

	var rec recorder
	s := NewSession(client, NewBytesFile("f.bin", "application/octet-stream", payload(100)), rec.callbacks())
	s.Start(context.Background())

	require.NotEmpty(t, rec.progress)

	prev := -1
	for _, p := range rec.progress {
		assert.GreaterOrEqual(t, p.Percentage, prev)
		assert.LessOrEqual(t, p.BytesUploaded, p.BytesTotal)
		prev = p.Percentage
	}

	assert.Equal(t, 100, prev)
}

func TestUpload_OneShot(t *testing.T) {
	srv := tustest.New()
	defer srv.Close()

	client := newTestClient(t, srv.Endpoint(), 10)

	var calls int
	loc, err := Upload(context.Background(), client, NewBytesFile("f.bin", "", payload(25)), func(Progress) {
		calls++
	})
	require.NoError(t, err)
	assert.Equal(t, srv.Endpoint()+"/u1", loc)
	assert.Equal(t, 3, calls)
}

func TestUpload_OneShotFailure(t *testing.T) {
	srv := tustest.New()
	defer srv.Close()

	srv.CreateStatus = http.StatusInternalServerError

	client := newTestClient(t, srv.Endpoint(), 10)

	_, err := Upload(context.Background(), client, NewBytesFile("f.bin", "", payload(25)), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCreation)
}

func TestUpload_OneShotCanceled(t *testing.T) {
	srv := tustest.New()
	defer srv.Close()

	client := newTestClient(t, srv.Endpoint(), 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Upload(ctx, client, NewBytesFile("f.bin", "", payload(25)), nil)
	require.Error(t, err)
	assert.True(t, IsCanceled(err))
}

func TestPercentage(t *testing.T) {
	assert.Equal(t, 100, Percentage(0, 0))
	assert.Equal(t, 0, Percentage(0, 10))
	assert.Equal(t, 50, Percentage(5, 10))
	assert.Equal(t, 33, Percentage(1, 3))
	assert.Equal(t, 67, Percentage(2, 3))
	assert.Equal(t, 100, Percentage(10, 10))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "uploading", StateUploading.String())
	assert.Equal(t, "canceled", StateCanceled.String())
	assert.Equal(t, "state(42)", State(42).String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateProbing.Terminal())
}

func percentages(ps []Progress) []int {
	out := make([]int, len(ps))
	for i, p := range ps {
		out[i] = p.Percentage
	}

	return out
}
