package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/rashberry/rashberry-cli/internal/tus"
)

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(quiet bool, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// Statusf prints a status message to stderr unless quiet mode is set.
func (cc *CLIContext) Statusf(format string, args ...any) {
	statusf(cc.Flags.Quiet, format, args...)
}

// Size unit constants for human-readable formatting.
const (
	sizeKB = 1024
	sizeMB = 1024 * 1024
	sizeGB = 1024 * 1024 * 1024
	sizeTB = 1024 * 1024 * 1024 * 1024
)

// formatSize returns a human-readable size string (e.g. "1.2 MB").
func formatSize(bytes int64) string {
	switch {
	case bytes >= sizeTB:
		return fmt.Sprintf("%.1f TB", float64(bytes)/float64(sizeTB))
	case bytes >= sizeGB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(sizeGB))
	case bytes >= sizeMB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(sizeMB))
	case bytes >= sizeKB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(sizeKB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// formatTime returns a compact timestamp for display.
func formatTime(t time.Time) string {
	if t.Year() == time.Now().Year() {
		return t.Format("Jan _2 15:04")
	}

	return t.Format("Jan _2  2006")
}

// printTable writes aligned columns to the given writer.
// headers and each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], len(cell))
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
}

// isTerminal reports whether f is an interactive terminal.
func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// progressPrinter renders upload progress. On a terminal it rewrites one
// status line in place; otherwise it prints a line per acknowledged chunk.
// Safe for concurrent use by parallel uploads.
type progressPrinter struct {
	mu    sync.Mutex
	w     io.Writer
	live  bool
	quiet bool
	width int // length of the last live line, for clearing
}

func newProgressPrinter(w io.Writer, live, quiet bool) *progressPrinter {
	return &progressPrinter{w: w, live: live, quiet: quiet}
}

// update renders one progress report for path.
func (pp *progressPrinter) update(path string, p tus.Progress) {
	if pp.quiet {
		return
	}

	line := fmt.Sprintf("%s  %s / %s  %3d%%",
		filepath.Base(path), formatSize(p.BytesUploaded), formatSize(p.BytesTotal), p.Percentage)

	pp.mu.Lock()
	defer pp.mu.Unlock()

	if !pp.live {
		fmt.Fprintln(pp.w, line)
		return
	}

	pad := max(pp.width-len(line), 0)
	fmt.Fprintf(pp.w, "\r%s%s", line, strings.Repeat(" ", pad))
	pp.width = len(line)

	if p.BytesUploaded >= p.BytesTotal {
		fmt.Fprintln(pp.w)
		pp.width = 0
	}
}

// finish terminates an unfinished live line, e.g. after cancellation.
func (pp *progressPrinter) finish() {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	if pp.live && pp.width > 0 {
		fmt.Fprintln(pp.w)
		pp.width = 0
	}
}
