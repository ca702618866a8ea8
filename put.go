package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rashberry/rashberry-cli/internal/ledger"
	"github.com/rashberry/rashberry-cli/internal/transfer"
)

const ledgerDirPermissions = 0o700

func newPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put FILE...",
		Short: "Upload files",
		Long: `Upload one or more files, printing the upload location of each.

Interrupted uploads are recorded locally. Running put again on the same,
unchanged file continues from the offset the server last acknowledged.

Examples:
  rashberry put clip.mp4
  rashberry put --parallel 2 --chunk-size 8MiB *.mov`,
		Args: cobra.MinimumNArgs(1),
		RunE: runPut,
	}

	cmd.Flags().Int("parallel", 0, "files uploaded concurrently (default from config)")
	cmd.Flags().Int("retries", 0, "resume attempts after a failed chunk (default from config)")
	cmd.Flags().String("chunk-size", "", "bytes per chunk, e.g. 5MiB (default from config)")
	cmd.Flags().Bool("force", false, "upload even if the same content was already uploaded")

	return cmd
}

// putResult is the JSON schema for `put --json`, one entry per file.
type putResult struct {
	Path     string `json:"path"`
	Location string `json:"location,omitempty"`
	Size     int64  `json:"size"`
	Uploaded int64  `json:"uploaded"`
	Resumed  bool   `json:"resumed,omitempty"`
	Skipped  bool   `json:"skipped,omitempty"`
	Retries  int    `json:"retries,omitempty"`
	Error    string `json:"error,omitempty"`
}

func runPut(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx, stop := interruptible(cmd.Context(), cc.Logger)
	defer stop()

	force, err := cmd.Flags().GetBool("force")
	if err != nil {
		return err
	}

	paths := make([]string, len(args))
	for i, a := range args {
		abs, absErr := filepath.Abs(a)
		if absErr != nil {
			return fmt.Errorf("resolving %s: %w", a, absErr)
		}

		paths[i] = abs
	}

	client, err := newUploadClient(cc)
	if err != nil {
		return err
	}

	store := openLedger(ctx, cc)
	if store != nil {
		defer store.Close()
	}

	progress := newProgressPrinter(os.Stderr, isTerminal(os.Stderr), cc.Flags.Quiet || cc.Flags.JSON)

	mgr := transfer.NewManager(client, store, nil, cc.Logger)

	results, uploadErr := mgr.UploadAll(ctx, paths, cc.Cfg.ParallelUploads, transfer.Options{
		SkipCompleted: cc.Cfg.SkipCompleted && !force,
		Retries:       cc.Cfg.Retries,
		Progress:      progress.update,
	})

	progress.finish()
	resumeHint(ctx, cc)

	if cc.Flags.JSON {
		if err := printPutJSON(cmd.OutOrStdout(), results); err != nil {
			return err
		}
	} else {
		printPutText(cmd.OutOrStdout(), cc, results)
	}

	return uploadErr
}

func printPutJSON(w io.Writer, results []transfer.Result) error {
	out := make([]putResult, len(results))
	for i := range results {
		out[i] = toPutResult(&results[i])
	}

	return writeJSON(w, out)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON: %w", err)
	}

	return nil
}

func toPutResult(r *transfer.Result) putResult {
	pr := putResult{
		Path:     r.Path,
		Location: r.Location,
		Size:     r.Size,
		Uploaded: r.Uploaded,
		Resumed:  r.Resumed,
		Skipped:  r.Skipped,
		Retries:  r.Retries,
	}

	if r.Err != nil {
		pr.Error = r.Err.Error()
	}

	return pr
}

// printPutText prints the location of every finished file on stdout, so the
// output can be piped. Skipped files are noted on stderr.
func printPutText(w io.Writer, cc *CLIContext, results []transfer.Result) {
	for i := range results {
		r := &results[i]

		switch {
		case r.Err != nil:
			continue
		case r.Skipped:
			cc.Statusf("%s already uploaded\n", filepath.Base(r.Path))
		}

		fmt.Fprintln(w, r.Location)
	}
}

// openLedger opens the upload ledger. A ledger that cannot be opened only
// costs cross-run resume, so the upload proceeds without it.
func openLedger(ctx context.Context, cc *CLIContext) *ledger.Store {
	if err := os.MkdirAll(filepath.Dir(cc.Cfg.LedgerPath), ledgerDirPermissions); err != nil {
		cc.Logger.Warn("creating ledger directory", slog.String("error", err.Error()))
		return nil
	}

	store, err := ledger.Open(ctx, cc.Cfg.LedgerPath, cc.Logger)
	if err != nil {
		cc.Logger.Warn("upload ledger unavailable, interrupted uploads will not be resumable",
			slog.String("path", cc.Cfg.LedgerPath),
			slog.String("error", err.Error()),
		)

		return nil
	}

	return store
}
