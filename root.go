package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rashberry/rashberry-cli/internal/config"
	"github.com/rashberry/rashberry-cli/internal/credential"
	"github.com/rashberry/rashberry-cli/internal/tus"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagEndpoint   string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// CLIFlags are the persistent flags after parsing.
type CLIFlags struct {
	ConfigPath string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext is built once per invocation by the root pre-run and carried in
// the command context.
type CLIContext struct {
	Flags  CLIFlags
	Cfg    *config.Resolved
	Logger *slog.Logger
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext stored by the root pre-run. Commands
// run without the pre-run (a programming error) panic.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("CLIContext missing from command context")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "rashberry",
		Short:   "Resumable video upload client",
		Long:    "Upload files to a rashberry server over the TUS resumable upload protocol.",
		Version: version,
		// Errors are printed by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := loadCLIContext(cmd)
			if err != nil {
				return err
			}

			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagEndpoint, "endpoint", "", "upload endpoint URL")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newResumeCmd())
	cmd.AddCommand(newUploadsCmd())
	cmd.AddCommand(newWatchCmd())

	return cmd
}

// loadCLIContext resolves the effective configuration. Command-local flags
// that map to config keys override only when set explicitly.
func loadCLIContext(cmd *cobra.Command) (*CLIContext, error) {
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	if cmd.Flags().Changed("endpoint") {
		cli.Endpoint = &flagEndpoint
	}

	if cmd.Flags().Changed("chunk-size") {
		v, err := cmd.Flags().GetString("chunk-size")
		if err != nil {
			return nil, err
		}

		cli.ChunkSize = &v
	}

	if cmd.Flags().Changed("parallel") {
		v, err := cmd.Flags().GetInt("parallel")
		if err != nil {
			return nil, err
		}

		cli.Parallel = &v
	}

	if cmd.Flags().Changed("retries") {
		v, err := cmd.Flags().GetInt("retries")
		if err != nil {
			return nil, err
		}

		cli.Retries = &v
	}

	resolved, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	flags := CLIFlags{
		ConfigPath: resolved.ConfigPath,
		JSON:       flagJSON,
		Verbose:    flagVerbose,
		Quiet:      flagQuiet,
	}

	return &CLIContext{
		Flags:  flags,
		Cfg:    resolved,
		Logger: buildLogger(os.Stderr, resolved, flags),
	}, nil
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Config-file log level provides the baseline; --verbose and
// --quiet override it because CLI flags always win.
func buildLogger(w io.Writer, cfg *config.Resolved, flags CLIFlags) *slog.Logger {
	level := slog.LevelInfo
	format := "auto"

	if cfg != nil {
		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}

		format = cfg.LogFormat
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

// newHTTPClient returns the client shared by all upload sessions. Only the
// dial and TLS handshake are bounded; a chunk request on a slow link can run
// for minutes and is ended by context cancellation.
func newHTTPClient(connectTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.TLSHandshakeTimeout = connectTimeout

	return &http.Client{Transport: transport}
}

// loadCredential picks RASHBERRY_TOKEN when set, otherwise the token file.
func loadCredential(cfg *config.Resolved) (*credential.Holder, error) {
	if cfg.Token != "" {
		return credential.NewHolder(cfg.Token), nil
	}

	return credential.LoadFile(cfg.TokenPath)
}

// newUploadClient wires a tus.Client from the resolved config.
func newUploadClient(cc *CLIContext) (*tus.Client, error) {
	creds, err := loadCredential(cc.Cfg)
	if err != nil {
		return nil, err
	}

	if _, err := creds.Token(); errors.Is(err, credential.ErrNoCredential) {
		return nil, errors.New("not logged in (run 'rashberry login' or set " + config.EnvToken + ")")
	}

	limiter := tus.NewBandwidthLimiter(cc.Cfg.BandwidthLimit, cc.Logger)

	return tus.NewClient(cc.Cfg.Endpoint, newHTTPClient(cc.Cfg.ConnectTimeout), creds, cc.Logger, tus.ClientOptions{
		ChunkSize: cc.Cfg.ChunkSize,
		UserAgent: cc.Cfg.UserAgent,
		Limiter:   limiter,
	})
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
