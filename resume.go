package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rashberry/rashberry-cli/internal/tus"
)

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume LOCATION FILE",
		Short: "Continue an upload at a known server location",
		Long: `Continue uploading FILE to an existing upload session. The server is asked
for its current offset and the remaining bytes are sent from there.

This bypasses the local ledger, for sessions created elsewhere. Uploads
started by put are resumed by running put again.

Example:
  rashberry resume http://localhost:3001/api/upload/24e533e0 clip.mp4`,
		Args: cobra.ExactArgs(2),
		RunE: runResume,
	}
}

func runResume(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx, stop := interruptible(cmd.Context(), cc.Logger)
	defer stop()
	location, path := args[0], args[1]

	client, err := newUploadClient(cc)
	if err != nil {
		return err
	}

	f, err := tus.OpenFile(path)
	if err != nil {
		return err
	}
	defer f.Close()

	progress := newProgressPrinter(os.Stderr, isTerminal(os.Stderr), cc.Flags.Quiet || cc.Flags.JSON)
	sess := tus.NewSession(client, f, tus.Callbacks{
		OnProgress: func(p tus.Progress) { progress.update(path, p) },
	})

	sess.Resume(ctx, location)
	progress.finish()

	loc, err := sess.Result()
	if err != nil {
		resumeHint(ctx, cc)
		return err
	}

	if cc.Flags.JSON {
		abs, absErr := filepath.Abs(path)
		if absErr != nil {
			abs = path
		}

		return writeJSON(cmd.OutOrStdout(),
			putResult{Path: abs, Location: loc, Size: f.Size(), Uploaded: f.Size(), Resumed: true})
	}

	fmt.Fprintln(cmd.OutOrStdout(), loc)

	return nil
}
