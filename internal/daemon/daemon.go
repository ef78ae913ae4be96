package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sgttomas/chirality-runtime/internal/config"
	"github.com/sgttomas/chirality-runtime/internal/httpapi"
	"github.com/sgttomas/chirality-runtime/internal/merge"
	"github.com/sgttomas/chirality-runtime/internal/otel"
	"github.com/sgttomas/chirality-runtime/internal/workspace"
)

var errNotRunning = errors.New("chirality is not running")

// Daemon is a running stack with its HTTP API and background workers.
type Daemon struct {
	*Stack
	App     *httpapi.App
	Watcher *workspace.Watcher // nil when drift watching is off
	Merger  *merge.Worker      // nil when merging is disabled
	Briefs  *briefScheduler
	opts    StartOptions

	metricsShutdown func(context.Context) error
}

// Close flushes metrics and closes the store.
func (d *Daemon) Close() error {
	if d.metricsShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = d.metricsShutdown(ctx)
		cancel()
	}
	return d.Stack.Close()
}

func loadConfig(opts StartOptions) (config.Config, error) {
	if opts.Config != nil {
		cfg := *opts.Config
		return cfg, cfg.Validate()
	}
	return config.Load(opts.Home)
}

// New builds the stack and the HTTP app without starting anything.
func New(ctx context.Context, opts StartOptions) (*Daemon, error) {
	if opts.Home == "" {
		return nil, errors.New("home is required")
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stack, err := Build(ctx, opts.Home, cfg, logger)
	if err != nil {
		return nil, err
	}
	d := &Daemon{Stack: stack, opts: opts}
	if err := d.wire(ctx); err != nil {
		_ = stack.Close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) wire(ctx context.Context) error {
	cfg := d.Config
	addr := d.opts.Listen
	if addr == "" {
		addr = cfg.Listen
	}
	srvOpts := httpapi.ServerOptions{
		Addr:         addr,
		Dev:          d.opts.Dev,
		APIKey:       cfg.APIKey,
		Engine:       d.Engine,
		Orchestrator: d.Orchestrator,
		Home:         d.Home,
		Workspace:    d.Repo.Dir,
		BaseRef:      cfg.BaseBranch,
		Actor:        d.Actor,
		Logger:       d.Logger,
	}
	if d.opts.EnableOtel {
		metricsHandler, shutdown, err := otel.InitMeterProvider(ctx, otel.Service{
			Version:   d.opts.Version,
			Workspace: d.Repo.Dir,
			Actor:     d.Actor.String(),
		})
		if err != nil {
			d.Logger.Warn("otel init failed, using text metrics", "err", err)
		} else {
			srvOpts.MetricsHandler = metricsHandler
			d.metricsShutdown = shutdown
			srvOpts.UseOtelHTTP = true
			if err := otel.InitMetricsWithOpenTurns(ctx, d.Engine.OpenTurns); err != nil {
				d.Logger.Warn("otel instruments", "err", err)
			}
		}
	}
	app, err := httpapi.NewApp(srvOpts)
	if err != nil {
		return err
	}
	d.App = app
	d.OnRuntimeEvent(app.PublishRuntime)

	if cfg.WatchEnabled() {
		w, err := workspace.NewWatcher(workspace.WatcherConfig{
			Root: d.Repo.Dir,
			Expected: func(rel string) bool {
				_, staged := d.Engine.StagedBy(rel)
				return staged
			},
			OnDrift: app.PublishDrift,
			Logger:  d.Logger,
		})
		if err != nil {
			d.Logger.Warn("drift watcher unavailable", "err", err)
		} else {
			d.Watcher = w
		}
	}
	if !cfg.Merge.Disabled {
		d.Merger = &merge.Worker{
			Store:    d.Store,
			Repo:     d.Repo,
			BaseRef:  cfg.BaseBranch,
			Interval: cfg.Merge.Interval,
			OnMerged: app.PublishMerge,
			Logger:   d.Logger,
		}
		if d.Watcher != nil {
			d.Merger.Quiet = d.Watcher.Quiet
		}
	}
	d.Briefs = &briefScheduler{
		dir:      layout(d.Home).briefs(),
		runner:   d.Orchestrator,
		actor:    d.Actor,
		interval: d.opts.BriefInterval,
		max:      d.opts.MaxConcurrent,
		publish:  app.Hub.PublishJSON,
		logger:   d.Logger,
	}
	return nil
}

// Run starts the background workers and serves HTTP until ctx is done.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if d.Watcher != nil {
		d.Watcher.Start(ctx)
		defer func() { _ = d.Watcher.Stop() }()
	}
	if d.Merger != nil {
		go d.Merger.Run(ctx)
	}
	if n := d.notifier(); n != nil {
		d.Engine.OnEvent(n.Handle)
		go n.Run(ctx)
	}
	go d.Briefs.run(ctx)

	d.Logger.Info("daemon starting", "addr", d.App.Server.Addr, "home", d.Home, "workspace", d.Repo.Dir)
	errCh := make(chan error, 1)
	go func() { errCh <- d.App.Server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancelShutdown()
		_ = d.App.Server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// StartForeground runs the daemon in this process, holding the home lock.
func StartForeground(ctx context.Context, opts StartOptions) error {
	if opts.Home == "" {
		return errors.New("home is required")
	}
	home := layout(opts.Home)
	if err := home.prepare(); err != nil {
		return err
	}

	// Singleton lock, released on exit.
	lock, err := acquireLock(home.lockFile())
	if err != nil {
		return err
	}
	defer lock.release()

	stopPprof := startPprof(ctx, opts.PprofAddr, opts.Logger)
	defer stopPprof()

	d, err := New(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()

	addr := d.App.Server.Addr
	if err := checkAddrAvailable(addr); err != nil {
		return err
	}
	unpublish, err := home.publish(os.Getpid(), addr)
	if err != nil {
		return err
	}
	defer unpublish()

	err = d.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// StartBackground re-executes the binary as "daemon" detached from the
// terminal and waits briefly for it to report running.
func StartBackground(ctx context.Context, opts StartOptions) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}
	home := layout(opts.Home)
	if err := home.prepare(); err != nil {
		return 0, err
	}
	if st, _ := Status(ctx, opts.Home); st.Running {
		return 0, &AlreadyRunningError{PID: st.PID}
	}

	stderr, err := os.OpenFile(home.logFile(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	// Kept open for child lifetime; closing here may break writes on some platforms.

	args := []string{"daemon", "--home", opts.Home}
	if opts.Listen != "" {
		args = append(args, "--listen", opts.Listen)
	}
	if opts.Dev {
		args = append(args, "--dev")
	}
	if opts.PprofAddr != "" {
		args = append(args, "--pprof", opts.PprofAddr)
	}
	if opts.EnableOtel {
		args = append(args, "--otel")
	}

	cmd := exec.Command(exe, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = stderr
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return 0, err
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := Status(ctx, opts.Home); st.Running {
			return st.PID, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return cmd.Process.Pid, nil
}

// Stop signals the running daemon and kills it if it has not exited within
// grace (15s when zero). It returns the status of the daemon it stopped;
// Running is false when nothing was running.
func Stop(ctx context.Context, home string, grace time.Duration) (StatusInfo, error) {
	st, err := Status(ctx, home)
	if err != nil || !st.Running {
		return st, err
	}
	proc, err := os.FindProcess(st.PID)
	if err != nil {
		return StatusInfo{}, errNotRunning
	}
	if err := signalTerm(proc); err != nil {
		return st, err
	}
	if grace <= 0 {
		grace = 15 * time.Second
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(grace)
	for {
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-timeout:
			_ = proc.Kill()
			return st, nil
		case <-ticker.C:
			if now, _ := Status(ctx, home); !now.Running {
				return st, nil
			}
		}
	}
}

// Status reads the pid and addr files and checks the process is alive.
func Status(ctx context.Context, home string) (StatusInfo, error) {
	pb, err := os.ReadFile(layout(home).pidFile())
	if err != nil {
		return StatusInfo{Running: false}, nil
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pb)))
	if err != nil || pid <= 0 {
		return StatusInfo{Running: false}, nil
	}
	if !processExists(pid) {
		_ = os.Remove(layout(home).pidFile())
		return StatusInfo{Running: false}, nil
	}
	addr := ""
	if ab, err := os.ReadFile(layout(home).addrFile()); err == nil {
		addr = strings.TrimSpace(string(ab))
	}
	if addr == "" {
		addr = "unknown"
	}
	return StatusInfo{Running: true, PID: pid, Addr: addr}, nil
}

// BaseURL returns the HTTP base URL of the running daemon.
func BaseURL(ctx context.Context, home string) (string, error) {
	st, err := Status(ctx, home)
	if err != nil {
		return "", err
	}
	if !st.Running || st.Addr == "unknown" {
		return "", errNotRunning
	}
	host, port, err := net.SplitHostPort(st.Addr)
	if err != nil {
		return "", err
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

func checkAddrAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%s is already in use", addr)
	}
	_ = ln.Close()
	return nil
}
