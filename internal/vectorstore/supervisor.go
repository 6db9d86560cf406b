package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Cstannahill/ollama-desktop/internal/httpkit"
)

var (
	// ErrNoLauncher means neither a container runtime nor a local Qdrant
	// binary is available. Retrying will not help until one is installed.
	ErrNoLauncher = errors.New("no way to launch qdrant: docker is unavailable and no qdrant binary was found (install Qdrant or enable Docker, see https://qdrant.tech/documentation/quick_start/)")

	// ErrStartupTimeout means a launched store never answered its health
	// endpoint within the readiness budget.
	ErrStartupTimeout = errors.New("qdrant did not become ready")

	// ErrNotContainer means the store is not run as a named container, so
	// only the process that launched it can stop it.
	ErrNotContainer = errors.New("qdrant is not configured to run in docker")
)

// Config is the supervisor configuration. It is replaced as a whole by
// Reconfigure.
type Config struct {
	AutoStart     bool
	Port          int
	UseDocker     bool
	DataPath      string
	ContainerName string
	Image         string
	BinaryPath    string

	HealthTTL     time.Duration
	ProbeTimeout  time.Duration
	ReadyAttempts int
	ReadyInterval time.Duration
}

// DefaultConfig returns the stock configuration: auto-start a Docker
// container named ollama-qdrant on port 6333.
func DefaultConfig() Config {
	return Config{
		AutoStart:     true,
		Port:          6333,
		UseDocker:     true,
		ContainerName: "ollama-qdrant",
		Image:         "qdrant/qdrant",
		BinaryPath:    "qdrant",
		HealthTTL:     30 * time.Second,
		ProbeTimeout:  2 * time.Second,
		ReadyAttempts: 15,
		ReadyInterval: 2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Port <= 0 {
		c.Port = d.Port
	}
	if c.ContainerName == "" {
		c.ContainerName = d.ContainerName
	}
	if c.Image == "" {
		c.Image = d.Image
	}
	if c.BinaryPath == "" {
		c.BinaryPath = d.BinaryPath
	}
	if c.HealthTTL <= 0 {
		c.HealthTTL = d.HealthTTL
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	if c.ReadyAttempts <= 0 {
		c.ReadyAttempts = d.ReadyAttempts
	}
	if c.ReadyInterval <= 0 {
		c.ReadyInterval = d.ReadyInterval
	}
	return c
}

// URL is the base URL of the supervised instance.
func (c Config) URL() string {
	return "http://127.0.0.1:" + strconv.Itoa(c.Port)
}

// State is the supervisor's knowledge of the external process.
type State int

const (
	StateUnknown State = iota
	StateProbing
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Launch methods as reported in Status.
const (
	MethodDocker = "Docker"
	MethodBinary = "Binary"
)

// Status is a snapshot of the supervised store.
type Status struct {
	Running   bool   `json:"running"`
	Port      int    `json:"port"`
	Method    string `json:"launch_method"`
	AutoStart bool   `json:"auto_start"`
	State     string `json:"state"`
}

// HealthObserver is told about every fresh probe result.
type HealthObserver interface {
	SetVectorStoreUp(up bool)
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithRunner replaces the command runner.
func WithRunner(r Runner) Option {
	return func(s *Supervisor) { s.runner = r }
}

// WithLogger sets the supervisor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithHealthObserver registers an observer for probe results.
func WithHealthObserver(o HealthObserver) Option {
	return func(s *Supervisor) { s.observer = o }
}

// Supervisor owns the lifecycle of the local Qdrant process. One
// Supervisor is created at startup and shared; all methods are safe for
// concurrent use.
//
// Health results are cached for Config.HealthTTL so a store that is down
// is not probed on every chat turn. Concurrent probes are coalesced.
// Launches are serialized; a failed launch is not retried in the
// background, the next caller of EnsureRunning tries again.
type Supervisor struct {
	runner   Runner
	logger   *slog.Logger
	observer HealthObserver
	http     *http.Client

	probes   singleflight.Group
	launchMu sync.Mutex // serializes EnsureRunning and Stop

	mu       sync.RWMutex // guards the fields below
	cfg      Config
	state    State
	healthy  bool
	checked  time.Time
	launched string
	proc     Process
}

// NewSupervisor creates a supervisor. Nothing is probed or launched until
// a method is called.
func NewSupervisor(cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		runner: ExecRunner{},
		logger: slog.Default(),
		cfg:    cfg.withDefaults(),
		http:   httpkit.NewClient(httpkit.WithTimeout(0)),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Config returns the current configuration.
func (s *Supervisor) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Reconfigure replaces the configuration atomically and forgets the
// cached health result. A process that is already running is left alone.
func (s *Supervisor) Reconfigure(cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.checked = time.Time{}
	s.state = StateUnknown
	s.mu.Unlock()

	s.logger.Info("qdrant supervisor reconfigured",
		"auto_start", cfg.AutoStart, "port", cfg.Port, "use_docker", cfg.UseDocker,
		"port_changed", old.Port != cfg.Port)
}

// State returns the supervisor's current state.
func (s *Supervisor) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsRunning reports whether the store answers its health endpoint. A
// result younger than HealthTTL is served from cache.
func (s *Supervisor) IsRunning(ctx context.Context) bool {
	s.mu.RLock()
	fresh := !s.checked.IsZero() && time.Since(s.checked) < s.cfg.HealthTTL
	healthy := s.healthy
	s.mu.RUnlock()

	if fresh {
		return healthy
	}
	return s.refresh(ctx)
}

// refresh probes the store, bypassing the cache, and records the result.
func (s *Supervisor) refresh(ctx context.Context) bool {
	v, _, _ := s.probes.Do("probe", func() (any, error) {
		s.mu.Lock()
		cfg := s.cfg
		s.state = StateProbing
		s.mu.Unlock()

		ok := s.probe(ctx, cfg)

		s.mu.Lock()
		s.healthy = ok
		s.checked = time.Now()
		if ok {
			s.state = StateRunning
		} else {
			s.state = StateStopped
		}
		s.mu.Unlock()

		if s.observer != nil {
			s.observer.SetVectorStoreUp(ok)
		}
		return ok, nil
	})
	return v.(bool)
}

func (s *Supervisor) probe(ctx context.Context, cfg Config) bool {
	ctx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL()+"/", nil)
	if err != nil {
		return false
	}
	resp, err := s.http.Do(req)
	if err != nil {
		s.logger.Debug("qdrant probe failed", "port", cfg.Port, "error", err)
		return false
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

// EnsureRunning makes sure the store is reachable, launching it if
// auto-start is enabled and it is down. With auto-start disabled it does
// nothing.
func (s *Supervisor) EnsureRunning(ctx context.Context) error {
	cfg := s.Config()
	if !cfg.AutoStart {
		return nil
	}
	return s.start(ctx, cfg)
}

// Start launches the store if it is down, whatever the auto-start
// setting. It backs the explicit start command.
func (s *Supervisor) Start(ctx context.Context) error {
	return s.start(ctx, s.Config())
}

func (s *Supervisor) start(ctx context.Context, cfg Config) error {
	if s.IsRunning(ctx) {
		return nil
	}

	s.launchMu.Lock()
	defer s.launchMu.Unlock()

	// Another caller may have launched it while we waited for the lock.
	if s.refresh(ctx) {
		return nil
	}

	s.logger.Info("starting qdrant", "port", cfg.Port, "use_docker", cfg.UseDocker)

	if err := s.launch(ctx, cfg); err != nil {
		return err
	}
	return s.WaitForReady(ctx)
}

func (s *Supervisor) launch(ctx context.Context, cfg Config) error {
	if cfg.UseDocker {
		if s.available(ctx, "docker") {
			return s.startDocker(ctx, cfg)
		}
		s.logger.Warn("docker not available, falling back to qdrant binary")
	}
	if s.available(ctx, cfg.BinaryPath) {
		return s.startBinary(cfg)
	}
	return ErrNoLauncher
}

func (s *Supervisor) available(ctx context.Context, name string) bool {
	_, err := s.runner.Run(ctx, name, "--version")
	return err == nil
}

func (s *Supervisor) startDocker(ctx context.Context, cfg Config) error {
	// Clear any stale container left from a previous run.
	_, _ = s.runner.Run(ctx, "docker", "stop", cfg.ContainerName)
	_, _ = s.runner.Run(ctx, "docker", "rm", cfg.ContainerName)

	args := []string{
		"run",
		"--name", cfg.ContainerName,
		"--detach",
		"--restart", "unless-stopped",
		"-p", fmt.Sprintf("%d:6333", cfg.Port),
	}
	if cfg.DataPath != "" {
		args = append(args, "-v", cfg.DataPath+":/qdrant/storage")
	}
	args = append(args, cfg.Image)

	if out, err := s.runner.Run(ctx, "docker", args...); err != nil {
		return fmt.Errorf("start qdrant container: %w: %s", err, out)
	}

	s.mu.Lock()
	s.launched = MethodDocker
	s.mu.Unlock()

	s.logger.Info("qdrant container started", "container", cfg.ContainerName, "port", cfg.Port)
	return nil
}

func (s *Supervisor) startBinary(cfg Config) error {
	env := []string{"QDRANT__SERVICE__HTTP_PORT=" + strconv.Itoa(cfg.Port)}
	if cfg.DataPath != "" {
		if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
			return fmt.Errorf("create qdrant data path: %w", err)
		}
		env = append(env, "QDRANT__STORAGE__STORAGE_PATH="+cfg.DataPath)
	}

	proc, err := s.runner.Start(cfg.BinaryPath, nil, env)
	if err != nil {
		return fmt.Errorf("start qdrant binary: %w", err)
	}

	s.mu.Lock()
	s.launched = MethodBinary
	s.proc = proc
	s.mu.Unlock()

	s.logger.Info("qdrant binary started", "binary", cfg.BinaryPath, "port", cfg.Port)
	return nil
}

// WaitForReady polls the health endpoint up to ReadyAttempts times,
// ReadyInterval apart. Running out of attempts returns ErrStartupTimeout.
func (s *Supervisor) WaitForReady(ctx context.Context) error {
	cfg := s.Config()
	for attempt := 1; attempt <= cfg.ReadyAttempts; attempt++ {
		if s.refresh(ctx) {
			s.logger.Info("qdrant ready", "port", cfg.Port, "attempts", attempt)
			return nil
		}
		if attempt == cfg.ReadyAttempts {
			break
		}
		s.logger.Debug("waiting for qdrant", "attempt", attempt, "of", cfg.ReadyAttempts)
		if !sleepCtx(ctx, cfg.ReadyInterval) {
			return fmt.Errorf("%w: %w", ErrStartupTimeout, ctx.Err())
		}
	}
	return fmt.Errorf("%w after %d attempts over %s", ErrStartupTimeout,
		cfg.ReadyAttempts, time.Duration(cfg.ReadyAttempts)*cfg.ReadyInterval)
}

// Stop shuts down whatever this supervisor launched. It is best effort
// and idempotent: stopping twice, or stopping a store launched by someone
// else, is not an error.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.launchMu.Lock()
	defer s.launchMu.Unlock()

	s.mu.Lock()
	cfg := s.cfg
	method, proc := s.launched, s.proc
	s.launched, s.proc = "", nil
	s.mu.Unlock()

	switch method {
	case MethodDocker:
		if out, err := s.runner.Run(ctx, "docker", "stop", cfg.ContainerName); err != nil {
			s.logger.Warn("docker stop failed", "container", cfg.ContainerName, "error", err, "output", string(out))
		} else {
			s.logger.Info("qdrant container stopped", "container", cfg.ContainerName)
		}
	case MethodBinary:
		if err := proc.Stop(); err != nil {
			s.logger.Warn("qdrant process stop failed", "error", err)
		} else {
			s.logger.Info("qdrant process stopped")
		}
	}

	s.mu.Lock()
	s.healthy = false
	s.checked = time.Time{}
	if method != "" {
		s.state = StateStopped
	}
	s.mu.Unlock()
	return nil
}

// StopContainer stops the configured container whether or not this
// process launched it. It backs the CLI stop command, which runs in a
// different process from the one serving the API.
func (s *Supervisor) StopContainer(ctx context.Context) error {
	cfg := s.Config()
	if !cfg.UseDocker {
		return ErrNotContainer
	}
	s.launchMu.Lock()
	defer s.launchMu.Unlock()

	if out, err := s.runner.Run(ctx, "docker", "stop", cfg.ContainerName); err != nil {
		return fmt.Errorf("docker stop %s: %w: %s", cfg.ContainerName, err, out)
	}
	s.mu.Lock()
	s.launched, s.proc = "", nil
	s.healthy = false
	s.checked = time.Time{}
	s.state = StateStopped
	s.mu.Unlock()
	s.logger.Info("qdrant container stopped", "container", cfg.ContainerName)
	return nil
}

// Status reports the live view of the store. When nothing has been
// launched yet the method reflects what would be used, suffixed with
// "(unavailable)" if that runtime is missing.
func (s *Supervisor) Status(ctx context.Context) Status {
	running := s.IsRunning(ctx)

	s.mu.RLock()
	cfg, launched, state := s.cfg, s.launched, s.state
	s.mu.RUnlock()

	method := launched
	if method == "" {
		switch {
		case cfg.UseDocker && s.available(ctx, "docker"):
			method = MethodDocker
		case cfg.UseDocker:
			method = MethodDocker + " (unavailable)"
		case s.available(ctx, cfg.BinaryPath):
			method = MethodBinary
		default:
			method = MethodBinary + " (unavailable)"
		}
	}

	return Status{
		Running:   running,
		Port:      cfg.Port,
		Method:    method,
		AutoStart: cfg.AutoStart,
		State:     state.String(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
