// Package transfer uploads local files through the resumable upload driver
// with the bookkeeping a long-running client needs: every session is
// recorded in the ledger so a later run can resume it, failed chunk
// transfers are retried by resuming the same server session, and many files
// can be uploaded in parallel.
//
// The driver in internal/tus never retries on its own. All retry policy
// lives here, one level up.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rashberry/rashberry-cli/internal/ledger"
	"github.com/rashberry/rashberry-cli/internal/tus"
)

// maxSaneRetries caps Options.Retries. Anything above this is almost
// certainly a configuration mistake.
const maxSaneRetries = 100

// ProgressFunc observes per-file progress. It may be called from several
// goroutines during UploadAll.
type ProgressFunc func(path string, p tus.Progress)

// Options configures one upload.
type Options struct {
	// SkipCompleted returns early for files the ledger records as already
	// uploaded with identical content.
	SkipCompleted bool
	// Retries is the number of additional Resume attempts after a chunk
	// transfer failure.
	Retries  int
	Progress ProgressFunc
}

// Result reports the outcome of one file.
type Result struct {
	Path     string
	Location string
	Size     int64
	RecordID string
	Resumed  bool
	Skipped  bool
	Retries  int
	// Uploaded is the last offset the server acknowledged.
	Uploaded int64
	Err      error
}

// Manager uploads files through one tus.Client.
type Manager struct {
	client  *tus.Client
	ledger  *ledger.Store // nil = no cross-run resume
	metrics *Metrics      // nil = no instrumentation
	logger  *slog.Logger

	// sleepFunc waits between retries. Tests override it to avoid delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewManager creates a Manager. store and metrics may be nil.
func NewManager(client *tus.Client, store *ledger.Store, metrics *Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		client:    client,
		ledger:    store,
		metrics:   metrics,
		logger:    logger,
		sleepFunc: timeSleep,
	}
}

// UploadAll uploads paths with at most parallel files in flight. Each file
// is an independent session; one failure does not stop the others. Results
// are returned in input order, and the error joins every per-file failure.
func (m *Manager) UploadAll(ctx context.Context, paths []string, parallel int, opts Options) ([]Result, error) {
	if parallel < 1 {
		parallel = 1
	}

	results := make([]Result, len(paths))

	var g errgroup.Group
	g.SetLimit(parallel)

	for i, p := range paths {
		g.Go(func() error {
			res, err := m.UploadFile(ctx, p, opts)
			if res != nil {
				results[i] = *res
			} else {
				results[i] = Result{Path: p}
			}

			results[i].Err = err

			return nil
		})
	}

	_ = g.Wait() //nolint:errcheck // per-file errors are collected in results

	var errs []error

	for i := range results {
		if results[i].Err != nil {
			errs = append(errs, results[i].Err)
		}
	}

	return results, errors.Join(errs...)
}

// UploadFile uploads one file. It resumes a ledger session for the same
// content when one exists, falling back to a fresh upload if the server no
// longer knows it. A failed chunk transfer is retried by resuming the same
// session up to opts.Retries times. A canceled ctx returns an error matching
// tus.ErrCanceled and leaves the ledger record resumable.
func (m *Manager) UploadFile(ctx context.Context, path string, opts Options) (*Result, error) {
	f, err := tus.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("transfer: %w", err)
	}
	defer f.Close()

	fp, err := Fingerprint(f)
	if err != nil {
		return nil, err
	}

	res := &Result{Path: path, Size: f.Size()}

	if opts.SkipCompleted {
		if done := m.findCompleted(ctx, path, fp); done != nil {
			m.logger.Info("skipping already uploaded file",
				slog.String("path", path),
				slog.String("location", done.Location),
			)

			res.Location = done.Location
			res.RecordID = done.ID
			res.Skipped = true
			m.metrics.outcome(OutcomeSkipped)

			return res, nil
		}
	}

	m.metrics.inFlight(1)
	defer m.metrics.inFlight(-1)

	rec := m.findResumable(ctx, path, fp)
	if rec != nil {
		res.RecordID = rec.ID
		res.Uploaded = rec.Offset
	} else {
		res.RecordID = m.begin(ctx, f, fp)
	}

	loc, err := m.run(ctx, f, res, rec, opts)
	res.Location = loc

	return m.finish(ctx, res, err)
}

// run drives the first session and the retry loop, returning the final
// location and error.
func (m *Manager) run(ctx context.Context, f *tus.LocalFile, res *Result, rec *ledger.Record, opts Options) (string, error) {
	var (
		loc string
		err error
	)

	if rec != nil {
		m.logger.Info("resuming recorded upload",
			slog.String("path", res.Path),
			slog.String("location", rec.Location),
			slog.Int64("recorded_offset", rec.Offset),
		)

		m.metrics.resumed()
		res.Resumed = true

		loc, err = m.session(ctx, f, res, rec.Location, opts.Progress)
		if errors.Is(err, tus.ErrSessionGone) {
			// The server session expired or no longer matches: start over.
			// Any other probe failure keeps the record for the next run.
			m.logger.Warn("recorded session not resumable, starting fresh upload",
				slog.String("path", res.Path),
				slog.String("error", err.Error()),
			)

			m.forget(ctx, rec.ID)

			res.Resumed = false
			res.Uploaded = 0
			res.RecordID = m.begin(ctx, f, rec.Fingerprint)
			loc, err = m.session(ctx, f, res, "", opts.Progress)
		}
	} else {
		loc, err = m.session(ctx, f, res, "", opts.Progress)
	}

	retries := min(max(opts.Retries, 0), maxSaneRetries)

	for attempt := 0; attempt < retries && retryable(err, loc); attempt++ {
		backoff := calcBackoff(attempt)

		m.logger.Warn("chunk transfer failed, resuming",
			slog.String("path", res.Path),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		if sleepErr := m.sleepFunc(ctx, backoff); sleepErr != nil {
			return loc, fmt.Errorf("%w: %w", tus.ErrCanceled, sleepErr)
		}

		m.metrics.retried()
		res.Retries++

		loc, err = m.session(ctx, f, res, loc, opts.Progress)
	}

	return loc, err
}

// retryable reports whether a failed session can be resumed: only chunk
// transfer failures on a session the server created.
func retryable(err error, location string) bool {
	return err != nil && location != "" && errors.Is(err, tus.ErrChunkTransfer)
}

// session runs one tus.Session to completion. resumeAt selects Resume over
// Start. Progress is persisted to the ledger as it is acknowledged. Callbacks
// run on the calling goroutine, so res needs no locking.
func (m *Manager) session(
	ctx context.Context, f *tus.LocalFile, res *Result, resumeAt string, progress ProgressFunc,
) (string, error) {
	var sess *tus.Session

	baseline := int64(0)
	if resumeAt != "" {
		baseline = res.Uploaded
	}

	onProgress := func(p tus.Progress) {
		m.metrics.addBytes(p.BytesUploaded - baseline)
		baseline = max(baseline, p.BytesUploaded)
		res.Uploaded = p.BytesUploaded

		m.saveProgress(ctx, res.RecordID, sess.Location(), p.BytesUploaded)

		if progress != nil {
			progress(res.Path, p)
		}
	}

	sess = tus.NewSession(m.client, f, tus.Callbacks{OnProgress: onProgress})

	if resumeAt != "" {
		sess.Resume(ctx, resumeAt)
	} else {
		sess.Start(ctx)
	}

	return sess.Result()
}

// finish records the terminal outcome in the ledger and metrics.
func (m *Manager) finish(ctx context.Context, res *Result, err error) (*Result, error) {
	// Ledger writes must survive the caller's cancellation.
	bg := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		if m.ledger != nil && res.RecordID != "" {
			if cErr := m.ledger.Complete(bg, res.RecordID, res.Location); cErr != nil {
				m.logger.Warn("recording completed upload", slog.String("error", cErr.Error()))
			}
		}

		m.metrics.outcome(OutcomeCompleted)
		m.logger.Info("file uploaded",
			slog.String("path", res.Path),
			slog.String("location", res.Location),
			slog.Int64("size", res.Size),
		)

		return res, nil

	case tus.IsCanceled(err):
		m.recordLocation(bg, res)
		m.metrics.outcome(OutcomeCanceled)
		m.logger.Info("upload interrupted, resumable later",
			slog.String("path", res.Path),
			slog.Int64("uploaded", res.Uploaded),
		)

		return res, fmt.Errorf("transfer: uploading %s: %w", res.Path, err)

	default:
		m.recordLocation(bg, res)

		if m.ledger != nil && res.RecordID != "" {
			if fErr := m.ledger.Fail(bg, res.RecordID, err.Error()); fErr != nil {
				m.logger.Warn("recording failed upload", slog.String("error", fErr.Error()))
			}
		}

		m.metrics.outcome(OutcomeFailed)

		return res, fmt.Errorf("transfer: uploading %s: %w", res.Path, err)
	}
}

// recordLocation stores the session location of an unfinished upload. The
// first chunk may have failed before any progress was saved, and without the
// location the next run could not resume.
func (m *Manager) recordLocation(ctx context.Context, res *Result) {
	if res.Location == "" {
		return
	}

	m.saveProgress(ctx, res.RecordID, res.Location, res.Uploaded)
}

func (m *Manager) findCompleted(ctx context.Context, path, fp string) *ledger.Record {
	if m.ledger == nil {
		return nil
	}

	rec, err := m.ledger.FindCompleted(ctx, path, fp)
	if err != nil {
		m.logger.Warn("ledger lookup failed", slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}

	return rec
}

func (m *Manager) findResumable(ctx context.Context, path, fp string) *ledger.Record {
	if m.ledger == nil {
		return nil
	}

	rec, err := m.ledger.FindResumable(ctx, path, fp)
	if err != nil {
		m.logger.Warn("ledger lookup failed", slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}

	return rec
}

// begin creates a ledger record and returns its ID, or "" without a ledger.
// Ledger failures degrade to an unrecorded upload rather than failing it.
func (m *Manager) begin(ctx context.Context, f *tus.LocalFile, fp string) string {
	if m.ledger == nil {
		return ""
	}

	rec, err := m.ledger.Begin(ctx, ledger.Record{
		LocalPath:   f.Path(),
		Fingerprint: fp,
		Size:        f.Size(),
		Name:        f.Name(),
		ContentType: f.ContentType(),
	})
	if err != nil {
		m.logger.Warn("recording upload start", slog.String("path", f.Path()), slog.String("error", err.Error()))
		return ""
	}

	return rec.ID
}

func (m *Manager) saveProgress(ctx context.Context, id, location string, offset int64) {
	if m.ledger == nil || id == "" {
		return
	}

	if err := m.ledger.SaveProgress(context.WithoutCancel(ctx), id, location, offset); err != nil {
		m.logger.Warn("recording upload progress", slog.String("id", id), slog.String("error", err.Error()))
	}
}

func (m *Manager) forget(ctx context.Context, id string) {
	if err := m.ledger.Forget(ctx, id); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		m.logger.Warn("forgetting stale record", slog.String("id", id), slog.String("error", err.Error()))
	}
}
