package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/rashberry/rashberry-cli/internal/tokenfile"
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save an upload token",
		Long: `Save the access token used to authorize uploads.

The token is read from --token, or from the first line of standard input when
the flag is omitted. It is stored with owner-only permissions in the data
directory.

Examples:
  rashberry login --token eyJhbGciOi...
  pass show rashberry | rashberry login`,
		Args: cobra.NoArgs,
		RunE: runLogin,
	}

	cmd.Flags().String("token", "", "access token (read from stdin when omitted)")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved upload token",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	token, err := cmd.Flags().GetString("token")
	if err != nil {
		return err
	}

	if token == "" {
		if isTerminal(os.Stdin) {
			fmt.Fprint(os.Stderr, "Paste token: ")
		}

		token, err = readToken(cmd.InOrStdin())
		if err != nil {
			return err
		}
	}

	tok := &oauth2.Token{AccessToken: token, TokenType: "Bearer"}
	meta := map[string]string{
		tokenfile.MetaEndpoint: cc.Cfg.Endpoint,
		tokenfile.MetaSavedAt:  time.Now().UTC().Format(time.RFC3339),
	}

	if err := tokenfile.Save(cc.Cfg.TokenPath, tok, meta); err != nil {
		return err
	}

	cc.Logger.Info("token saved", slog.String("path", cc.Cfg.TokenPath))
	cc.Statusf("Login successful.\n")

	return nil
}

// readToken reads the first non-empty line of r.
func readToken(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			return line, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading token: %w", err)
	}

	return "", errors.New("no token given (use --token or pipe it on stdin)")
}

func runLogout(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	removed, err := tokenfile.Remove(cc.Cfg.TokenPath)
	if err != nil {
		return err
	}

	if !removed {
		cc.Statusf("Not logged in.\n")
		return nil
	}

	cc.Logger.Info("token removed", slog.String("path", cc.Cfg.TokenPath))
	cc.Statusf("Logged out.\n")

	return nil
}
