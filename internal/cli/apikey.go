package cli

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sgttomas/chirality-runtime/internal/config"
)

func newApikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage the key that guards the HTTP API when it listens beyond loopback",
	}
	cmd.AddCommand(newApikeyGenerateCmd(), newApikeyShowCmd())
	return cmd
}

func newAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func appendEnv(path, key string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "CHIRALITY_API_KEY=%s\n", key); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func newApikeyGenerateCmd() *cobra.Command {
	var (
		envFile string
		save    bool
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a random API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := newAPIKey()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "%s\n\n  %s\n\n", okFmt("New API key"), key)

			switch {
			case save:
				home := config.MustHomeFrom(cmd.Context())
				cfg, err := config.Load(home)
				if err != nil {
					return err
				}
				cfg.APIKey = key
				if err := config.Save(home, cfg); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(out, "Saved as api_key in %s; restart the daemon to apply.\n", config.Path(home))
			case envFile != "":
				if err := appendEnv(envFile, key); err != nil {
					return fmt.Errorf("write %s: %w", envFile, err)
				}
				_, _ = fmt.Fprintf(out, "Appended CHIRALITY_API_KEY to %s; run: chirality start --env-file %s\n", envFile, envFile)
			default:
				_, _ = fmt.Fprintln(out, "Set CHIRALITY_API_KEY for the daemon, or rerun with --save to store it in config.yaml.")
			}
			printKeyUsage(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&envFile, "env", "", "Append CHIRALITY_API_KEY to this file (e.g. .env)")
	cmd.Flags().BoolVar(&save, "save", false, "Store the key as api_key in config.yaml")
	return cmd
}

func printKeyUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, dimFmt("Clients send it as the X-API-Key header; the chirality CLI reads it from config.yaml."))
}

func newApikeyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Report whether an API key is configured",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.MustHomeFrom(cmd.Context()))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if cfg.APIKey == "" {
				_, _ = fmt.Fprintln(out, "No API key configured; the API is open to anyone who can reach it.")
				return nil
			}
			masked := cfg.APIKey
			if len(masked) > 8 {
				masked = masked[:4] + "…" + masked[len(masked)-4:]
			}
			_, _ = fmt.Fprintf(out, "API key %s\n", idFmt(masked))
			return nil
		},
	}
}
