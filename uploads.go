package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rashberry/rashberry-cli/internal/ledger"
	"github.com/rashberry/rashberry-cli/internal/tus"
)

// shortIDLen is how much of a record ID the listing shows.
const shortIDLen = 8

const defaultCleanAge = 7 * 24 * time.Hour

func newUploadsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uploads",
		Short: "List recorded uploads",
		Long: `List the uploads recorded in the local ledger, most recent first.

Unfinished uploads can be resumed by running put on the same file again.`,
		Args: cobra.NoArgs,
		RunE: runUploadsList,
	}

	clean := &cobra.Command{
		Use:   "clean",
		Short: "Delete records not updated recently",
		Args:  cobra.NoArgs,
		RunE:  runUploadsClean,
	}
	clean.Flags().Duration("older-than", defaultCleanAge, "delete records not updated within this long")

	cmd.AddCommand(&cobra.Command{
		Use:   "forget ID",
		Short: "Delete one record (ID or unique prefix)",
		Args:  cobra.ExactArgs(1),
		RunE:  runUploadsForget,
	}, clean)

	return cmd
}

// uploadJSON is the JSON schema for `uploads --json`.
type uploadJSON struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	State       string    `json:"state"`
	Size        int64     `json:"size"`
	Uploaded    int64     `json:"uploaded"`
	Location    string    `json:"location,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// openLedgerStrict opens the ledger for the management commands. Unlike
// openLedger, open failures are returned. A ledger that was never created
// yields a nil store.
func openLedgerStrict(cmd *cobra.Command, cc *CLIContext) (*ledger.Store, error) {
	if _, err := os.Stat(cc.Cfg.LedgerPath); errors.Is(err, os.ErrNotExist) {
		return nil, nil //nolint:nilnil // no ledger yet means no records
	}

	return ledger.Open(cmd.Context(), cc.Cfg.LedgerPath, cc.Logger)
}

func runUploadsList(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	store, err := openLedgerStrict(cmd, cc)
	if err != nil {
		return err
	}

	var recs []ledger.Record

	if store != nil {
		defer store.Close()

		recs, err = store.List(cmd.Context())
		if err != nil {
			return err
		}
	}

	if cc.Flags.JSON {
		return printUploadsJSON(cmd.OutOrStdout(), recs)
	}

	if len(recs) == 0 {
		cc.Statusf("No recorded uploads.\n")
		return nil
	}

	printUploadsTable(cmd.OutOrStdout(), recs)

	return nil
}

func printUploadsJSON(w io.Writer, recs []ledger.Record) error {
	out := make([]uploadJSON, len(recs))
	for i := range recs {
		r := &recs[i]
		out[i] = uploadJSON{
			ID:          r.ID,
			Path:        r.LocalPath,
			State:       string(r.State),
			Size:        r.Size,
			Uploaded:    r.Offset,
			Location:    r.Location,
			ContentType: r.ContentType,
			LastError:   r.LastError,
			CreatedAt:   r.CreatedAt.UTC(),
			UpdatedAt:   r.UpdatedAt.UTC(),
		}
	}

	return writeJSON(w, out)
}

func printUploadsTable(w io.Writer, recs []ledger.Record) {
	rows := make([][]string, len(recs))
	for i := range recs {
		r := &recs[i]
		rows[i] = []string{
			r.ID[:min(shortIDLen, len(r.ID))],
			string(r.State),
			fmt.Sprintf("%3d%%", tus.Percentage(r.Offset, r.Size)),
			formatSize(r.Size),
			formatTime(r.UpdatedAt),
			r.LocalPath,
		}
	}

	printTable(w, []string{"ID", "STATE", "DONE", "SIZE", "UPDATED", "PATH"}, rows)
}

func runUploadsForget(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	store, err := openLedgerStrict(cmd, cc)
	if err != nil {
		return err
	}

	if store == nil {
		return fmt.Errorf("%w: %s", ledger.ErrNotFound, args[0])
	}
	defer store.Close()

	rec, err := store.Lookup(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if err := store.Forget(cmd.Context(), rec.ID); err != nil {
		return err
	}

	cc.Statusf("Forgot %s (%s)\n", rec.ID[:min(shortIDLen, len(rec.ID))], rec.LocalPath)

	return nil
}

func runUploadsClean(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	age, err := cmd.Flags().GetDuration("older-than")
	if err != nil {
		return err
	}

	if age <= 0 {
		return fmt.Errorf("--older-than must be positive, got %s", age)
	}

	store, err := openLedgerStrict(cmd, cc)
	if err != nil || store == nil {
		return err
	}
	defer store.Close()

	n, err := store.CleanStale(cmd.Context(), age)
	if err != nil {
		return err
	}

	cc.Statusf("Removed %d record(s)\n", n)

	return nil
}
