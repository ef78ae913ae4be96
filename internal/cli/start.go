package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sgttomas/chirality-runtime/internal/config"
	"github.com/sgttomas/chirality-runtime/internal/daemon"
)

type daemonFlags struct {
	listen        string
	dev           bool
	pprofAddr     string
	enableOtel    bool
	briefInterval time.Duration
	maxConcurrent int
}

func (f *daemonFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.listen, "listen", "", "Listen address (default: config listen, 127.0.0.1:4717)")
	cmd.Flags().BoolVar(&f.dev, "dev", false, "Enable dev mode (CORS)")
	cmd.Flags().StringVar(&f.pprofAddr, "pprof", "", "Enable pprof on address (e.g. 127.0.0.1:6060)")
	cmd.Flags().BoolVar(&f.enableOtel, "otel", true, "Enable OpenTelemetry metrics (Prometheus exporter on /metrics, HTTP instrumentation)")
	cmd.Flags().DurationVar(&f.briefInterval, "brief-interval", 2*time.Second, "Poll interval for <home>/briefs")
	cmd.Flags().IntVar(&f.maxConcurrent, "max-concurrent", 4, "Max briefs running at once")
}

func (f *daemonFlags) options(home string) daemon.StartOptions {
	return daemon.StartOptions{
		Home:          home,
		Listen:        f.listen,
		Dev:           f.dev,
		PprofAddr:     f.pprofAddr,
		EnableOtel:    f.enableOtel,
		BriefInterval: f.briefInterval,
		MaxConcurrent: f.maxConcurrent,
	}
}

func newStartCmd() *cobra.Command {
	var (
		flags      daemonFlags
		foreground bool
		envFile    string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the chirality daemon (HTTP API, merge worker, brief scheduler)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if envFile != "" {
				if err := loadEnvFile(envFile); err != nil {
					return err
				}
			}
			home := config.MustHomeFrom(cmd.Context())
			opts := flags.options(home)
			opts.Version = cmd.Root().Version

			if foreground {
				cfg, err := config.Load(home)
				if err != nil {
					return err
				}
				opts.Config = &cfg
				opts.Logger = cfg.NewLogger(cmd.ErrOrStderr())
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Starting chirality in foreground (home %s)\n", home)
				return daemon.StartForeground(cmd.Context(), opts)
			}

			pid, err := daemon.StartBackground(cmd.Context(), opts)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "chirality started (pid %d)\n", pid)
			if st, _ := daemon.Status(cmd.Context(), home); st.Running {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "API: http://%s\n", st.Addr)
			}
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&foreground, "foreground", false, "Run in foreground (do not daemonize)")
	cmd.Flags().StringVar(&envFile, "env-file", "", "Load env vars from file (KEY=VALUE per line) before starting")
	return cmd
}

func loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		i := strings.Index(line, "=")
		if i <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])
		if key != "" {
			_ = os.Setenv(key, value)
		}
	}
	return sc.Err()
}
