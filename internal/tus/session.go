package tus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
)

// maxStalledChunks bounds consecutive chunk acknowledgements that do not
// advance the offset before the session is failed.
const maxStalledChunks = 3

// State is a session lifecycle state.
type State int

// Session states. Completed, Failed and Canceled are terminal.
const (
	StateCreated State = iota
	StateCreating
	StateProbing
	StateUploading
	StateCompleted
	StateFailed
	StateCanceled
)

var stateNames = [...]string{
	StateCreated:   "created",
	StateCreating:  "creating",
	StateProbing:   "probing",
	StateUploading: "uploading",
	StateCompleted: "completed",
	StateFailed:    "failed",
	StateCanceled:  "canceled",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}

	return stateNames[s]
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// Progress is reported after every acknowledged chunk.
type Progress struct {
	BytesUploaded int64
	BytesTotal    int64
	Percentage    int
}

// ProgressFunc observes upload progress.
type ProgressFunc func(Progress)

// Callbacks are the optional observers of a session. OnProgress may fire
// many times; exactly one of OnSuccess or OnError fires when the session
// ends, and neither fires if it was canceled.
type Callbacks struct {
	OnProgress ProgressFunc
	OnSuccess  func(location string)
	OnError    func(err error)
}

// Session drives one file through the resumable upload protocol. A Session
// is single-use: after Start or Resume returns it is terminal.
//
// Start and Resume block until the session ends. Abort may be called from
// any goroutine, including from inside a callback.
type Session struct {
	client    *Client
	file      File
	callbacks Callbacks
	logger    *slog.Logger

	mu       sync.Mutex
	state    State
	location string
	cancel   context.CancelFunc
	aborted  bool
	err      error
	done     chan struct{}

	// reported is the high-water mark of BytesUploaded sent to OnProgress.
	reported int64
}

// NewSession prepares a session for file. No network activity happens until
// Start or Resume.
func NewSession(client *Client, file File, callbacks Callbacks) *Session {
	return &Session{
		client:    client,
		file:      file,
		callbacks: callbacks,
		logger:    client.logger.With(slog.String("file", file.Name())),
		state:     StateCreated,
		done:      make(chan struct{}),
		reported:  -1,
	}
}

// Start creates a new upload on the server and transmits the whole file.
func (s *Session) Start(ctx context.Context) {
	ctx, ok := s.begin(ctx, StateCreating, "")
	if !ok {
		return
	}

	s.finish(s.runStart(ctx))
}

// Resume continues an existing upload at location, starting from the offset
// the server reports.
func (s *Session) Resume(ctx context.Context, location string) {
	ctx, ok := s.begin(ctx, StateProbing, location)
	if !ok {
		return
	}

	s.finish(s.runResume(ctx, location))
}

// Abort cancels the in-flight operation. Idempotent. No callback starts
// after Abort has been called, and the session cannot be started again.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.aborted || s.state.Terminal() {
		return
	}

	s.aborted = true
	s.logger.Info("aborting upload", slog.String("state", s.state.String()))

	if s.cancel != nil {
		s.cancel()
		return
	}

	// Never started: the session becomes terminal right away.
	s.state = StateCanceled
	s.err = ErrCanceled
	close(s.done)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Location returns the session URL, or "" before creation succeeds.
func (s *Session) Location() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.location
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Result returns the terminal outcome: the session location on success, or
// the error. Canceled sessions report ErrCanceled. Only meaningful after
// Done is closed.
func (s *Session) Result() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateCompleted {
		return s.location, s.err
	}

	return s.location, nil
}

// begin moves a fresh session into its first active state and installs the
// cancel handle. A session that was already used reports ErrSessionUsed,
// unless it was aborted, in which case it stays silent.
func (s *Session) begin(parent context.Context, next State, location string) (context.Context, bool) {
	s.mu.Lock()

	if s.state != StateCreated {
		silent := s.aborted
		s.mu.Unlock()

		if !silent {
			s.emitError(ErrSessionUsed)
		}

		return nil, false
	}

	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.state = next
	s.location = location
	s.mu.Unlock()

	return ctx, true
}

func (s *Session) runStart(ctx context.Context) error {
	// Fail the precondition before any network activity.
	if _, err := s.client.token(); err != nil {
		return err
	}

	loc, err := s.client.CreateUpload(ctx, s.file.Size(), fileMetadata(s.file))
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.location = loc
	s.state = StateUploading
	s.mu.Unlock()

	return s.uploadChunks(ctx, loc, 0)
}

func (s *Session) runResume(ctx context.Context, location string) error {
	if _, err := s.client.token(); err != nil {
		return err
	}

	status, err := s.client.GetOffset(ctx, location)
	if err != nil {
		return err
	}

	if status.Length >= 0 && status.Length != s.file.Size() {
		return &UploadError{
			Op:      OpProbe,
			Message: fmt.Sprintf("server upload length %d does not match local size %d", status.Length, s.file.Size()),
			Err:     ErrSessionGone,
		}
	}

	if status.Offset > s.file.Size() {
		return &UploadError{
			Op:      OpProbe,
			Message: fmt.Sprintf("server offset %d exceeds local size %d", status.Offset, s.file.Size()),
			Err:     ErrSessionGone,
		}
	}

	start := max(status.Offset, 0)

	s.logger.Info("resuming upload",
		slog.String("location", location),
		slog.Int64("offset", start),
	)

	s.mu.Lock()
	s.state = StateUploading
	s.mu.Unlock()

	return s.uploadChunks(ctx, location, start)
}

// uploadChunks transmits the file from offset until the server acknowledges
// every byte. Chunks are strictly sequential; the next one is sent only after
// the previous acknowledgement has been read.
func (s *Session) uploadChunks(ctx context.Context, location string, offset int64) error {
	size := s.file.Size()
	chunkSize := s.client.chunkSize

	// Nothing left to send: an empty file, or a resumed session the server
	// already holds in full.
	if offset >= size {
		s.emitProgress(size)
		return nil
	}

	stalled := 0

	for offset < size {
		length := min(chunkSize, size-offset)
		body := io.NewSectionReader(s.file, offset, length)

		newOffset, err := s.client.UploadChunk(ctx, location, offset, body, length)
		if err != nil {
			return err
		}

		if newOffset > size {
			return protocolError(OpChunk, 0, "server offset %d exceeds upload length %d", newOffset, size)
		}

		if newOffset < offset {
			s.logger.Warn("server offset regressed, continuing from server offset",
				slog.Int64("sent_offset", offset),
				slog.Int64("server_offset", newOffset),
			)
		}

		if newOffset <= offset {
			stalled++
			if stalled >= maxStalledChunks {
				return protocolError(OpChunk, 0, "server accepted no bytes at offset %d after %d chunks", newOffset, stalled)
			}
		} else {
			stalled = 0
		}

		offset = newOffset
		s.emitProgress(offset)
	}

	return nil
}

// finish records the terminal state and fires the single outcome callback.
func (s *Session) finish(err error) {
	s.mu.Lock()

	if s.cancel != nil {
		s.cancel()
	}

	canceled := s.aborted || errors.Is(err, ErrCanceled)

	switch {
	case canceled:
		s.state = StateCanceled
		s.err = ErrCanceled
	case err != nil:
		s.state = StateFailed
		s.err = err
	default:
		s.state = StateCompleted
	}

	loc := s.location
	close(s.done)
	s.mu.Unlock()

	switch {
	case canceled:
		s.logger.Info("upload canceled", slog.String("location", loc))
	case err != nil:
		s.logger.Error("upload failed", slog.String("error", err.Error()))
		s.emitError(err)
	default:
		s.logger.Info("upload complete", slog.String("location", loc))
		s.emitSuccess(loc)
	}
}

func (s *Session) isAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.aborted
}

// emitProgress reports uploaded bytes if they extend the high-water mark.
// A regressed server offset is adopted by the loop but not reported, so
// observers always see a non-decreasing sequence.
func (s *Session) emitProgress(uploaded int64) {
	if uploaded <= s.reported {
		return
	}

	s.reported = uploaded

	if s.callbacks.OnProgress == nil || s.isAborted() {
		return
	}

	s.callbacks.OnProgress(Progress{
		BytesUploaded: uploaded,
		BytesTotal:    s.file.Size(),
		Percentage:    Percentage(uploaded, s.file.Size()),
	})
}

func (s *Session) emitSuccess(location string) {
	if s.callbacks.OnSuccess != nil && !s.isAborted() {
		s.callbacks.OnSuccess(location)
	}
}

func (s *Session) emitError(err error) {
	if s.callbacks.OnError != nil && !s.isAborted() {
		s.callbacks.OnError(err)
	}
}

// Percentage returns round(100*uploaded/total); an empty file is 100%.
func Percentage(uploaded, total int64) int {
	if total <= 0 {
		return 100
	}

	return int(math.Round(float64(uploaded) * 100 / float64(total)))
}
