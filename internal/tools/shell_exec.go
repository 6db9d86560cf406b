package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultShellCommands is the whitelist of read-only utilities shell_exec
// may run.
var DefaultShellCommands = []string{"ls", "cat", "grep", "echo", "pwd", "sed", "awk"}

const (
	DefaultShellTimeout   = 5 * time.Second
	DefaultShellMaxOutput = 30 * 1024
)

// ShellExecConfig configures the shell executor.
type ShellExecConfig struct {
	Workspace      *Workspace
	Allowed        []string
	Timeout        time.Duration
	MaxOutputBytes int
}

// ShellExec runs whitelisted commands in the workspace. Commands are
// executed directly, never through a shell, so arguments are not
// subject to expansion.
type ShellExec struct {
	ws             *Workspace
	allowed        []string
	timeout        time.Duration
	maxOutputBytes int

	// sandboxed reports whether the installed command accepts --sandbox.
	sandboxed func(name string) bool
}

// NewShellExec creates a new shell executor.
func NewShellExec(cfg ShellExecConfig) *ShellExec {
	if len(cfg.Allowed) == 0 {
		cfg.Allowed = DefaultShellCommands
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultShellTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultShellMaxOutput
	}
	return &ShellExec{
		ws:             cfg.Workspace,
		allowed:        cfg.Allowed,
		timeout:        cfg.Timeout,
		maxOutputBytes: cfg.MaxOutputBytes,
		sandboxed:      supportsSandbox,
	}
}

func (s *ShellExec) Name() string { return "shell_exec" }
func (s *ShellExec) Description() string {
	return "Run simple read-only shell commands in the workspace"
}

func (s *ShellExec) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"cmd": map[string]any{
				"type":        "string",
				"description": "Base command. Must be whitelisted.",
			},
			"args": map[string]any{
				"type":    "array",
				"items":   map[string]any{"type": "string"},
				"default": []any{},
			},
		},
		"required": []string{"cmd"},
	}
}

// Execute runs the command with a wall-clock timeout. Stdout and stderr
// are read concurrently into one buffer in arrival order, and each chunk
// is forwarded to the context's OutputStream as it is read. Output past
// the byte cap is discarded and the process is killed.
func (s *ShellExec) Execute(ctx context.Context, args map[string]any) (string, error) {
	name := stringArg(args, "cmd")
	if !slices.Contains(s.allowed, name) {
		return "", fmt.Errorf("%w: %s", ErrNotPermitted, name)
	}
	argv, err := s.prepare(name, stringsArg(args, "args"))
	if err != nil {
		return "", err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	runCtx, kill := context.WithCancel(timeoutCtx)
	defer kill()

	cmd := exec.CommandContext(runCtx, name, argv...)
	if s.ws != nil {
		cmd.Dir = s.ws.Root()
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("spawn failed: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("spawn failed: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("spawn failed: %w", err)
	}

	out := &capped{limit: s.maxOutputBytes, onFull: kill}
	emit := OutputStreamFromContext(ctx)

	var g errgroup.Group
	g.Go(func() error { return drain(stdout, out, emit) })
	g.Go(func() error { return drain(stderr, out, emit) })
	drainErr := g.Wait()
	waitErr := cmd.Wait()

	if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
		return "", ErrTimedOut
	}
	if drainErr != nil && !out.full() {
		return "", fmt.Errorf("read output: %w", drainErr)
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return "", fmt.Errorf("%s: %w", name, waitErr)
	}

	// Like a terminal, a non-zero exit still shows whatever was printed.
	return strings.TrimSpace(out.String()), nil
}

// prepare validates argv for name and returns the arguments to run it
// with. sed and awk can open files and spawn commands from their script
// text, so they run under GNU --sandbox. An awk without it gets its
// program text screened instead; a sed without it is refused.
func (s *ShellExec) prepare(name string, argv []string) ([]string, error) {
	if err := s.checkPaths(argv); err != nil {
		return nil, err
	}
	switch name {
	case "sed":
		if sedInPlace(argv) {
			return nil, fmt.Errorf("%w: sed in-place editing", ErrNotPermitted)
		}
		if !s.sandboxed(name) {
			return nil, fmt.Errorf("%w: sed without --sandbox support", ErrNotPermitted)
		}
		return append([]string{"--sandbox"}, argv...), nil
	case "awk":
		if err := checkAwkSources(argv); err != nil {
			return nil, err
		}
		if s.sandboxed(name) {
			return append([]string{"--sandbox"}, argv...), nil
		}
		if err := checkAwkProgram(argv); err != nil {
			return nil, err
		}
	}
	return argv, nil
}

// checkPaths rejects arguments that name files outside the workspace:
// absolute paths and anything containing a ".." element, given as an
// argument, an --option=value or a value attached to a short option.
func (s *ShellExec) checkPaths(argv []string) error {
	if s.ws == nil {
		return nil
	}
	for _, a := range argv {
		for _, p := range pathCandidates(a) {
			if !looksLikePath(p) {
				continue
			}
			if _, err := s.ws.Resolve(p); err != nil {
				return err
			}
		}
	}
	return nil
}

// pathCandidates returns a and any option value embedded in it. A short
// option cluster like -rf../x may carry its value after any letter, so
// every suffix is a candidate.
func pathCandidates(a string) []string {
	out := []string{a}
	switch {
	case strings.HasPrefix(a, "--"):
		if _, v, ok := strings.Cut(a, "="); ok {
			out = append(out, v)
		}
	case strings.HasPrefix(a, "-"):
		for i := 2; i < len(a); i++ {
			out = append(out, a[i:])
		}
	}
	return out
}

func looksLikePath(p string) bool {
	return filepath.IsAbs(p) || slices.Contains(strings.Split(filepath.ToSlash(p), "/"), "..")
}

// sedInPlace reports whether argv asks sed to rewrite files.
func sedInPlace(argv []string) bool {
	for _, a := range argv {
		switch {
		case a == "--in-place", strings.HasPrefix(a, "--in-place="):
			return true
		case strings.HasPrefix(a, "-") && !strings.HasPrefix(a, "--") && strings.ContainsRune(a[1:], 'i'):
			return true
		}
	}
	return false
}

// awkSourceOptions load program text from somewhere other than argv.
var awkSourceOptions = []string{"-f", "--file", "-i", "--include", "-l", "--load", "-E", "--exec", "-W"}

// checkAwkSources rejects awk programs that pull in code from files.
func checkAwkSources(argv []string) error {
	for _, a := range argv {
		if strings.Contains(a, "@include") || strings.Contains(a, "@load") {
			return fmt.Errorf("%w: awk @include and @load", ErrNotPermitted)
		}
		for _, opt := range awkSourceOptions {
			if a == opt || strings.HasPrefix(a, opt+"=") || (!strings.HasPrefix(opt, "--") && strings.HasPrefix(a, opt)) {
				return fmt.Errorf("%w: awk %s", ErrNotPermitted, opt)
			}
		}
	}
	return nil
}

// awkUnsafe are the constructs an unsandboxed awk could use to reach
// files or commands outside argv.
var awkUnsafe = []string{"system", "getline", "|", ">", "ARGV", "ENVIRON", "@"}

// checkAwkProgram screens every argument for awkUnsafe. It is stricter
// than needed and only used when --sandbox is unavailable.
func checkAwkProgram(argv []string) error {
	for _, a := range argv {
		for _, tok := range awkUnsafe {
			if strings.Contains(a, tok) {
				return fmt.Errorf("%w: awk %q requires a sandboxed awk", ErrNotPermitted, tok)
			}
		}
	}
	return nil
}

var sandboxSupport = struct {
	sync.Mutex
	known map[string]bool
}{known: make(map[string]bool)}

// supportsSandbox reports whether the installed name is a GNU build,
// which accepts --sandbox. The answer is cached per command.
func supportsSandbox(name string) bool {
	sandboxSupport.Lock()
	defer sandboxSupport.Unlock()
	if ok, seen := sandboxSupport.known[name]; seen {
		return ok
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, "--version").Output()
	ok := err == nil && strings.Contains(string(out), "GNU")
	sandboxSupport.known[name] = ok
	return ok
}

// drain copies r into out until r is closed or out is full. Only the
// bytes out accepts are forwarded to emit.
func drain(r io.Reader, out *capped, emit OutputStream) error {
	buf := make([]byte, 1024)
	closed := false
	for !closed {
		n, err := r.Read(buf)
		if n > 0 {
			kept, more := out.write(buf[:n])
			if kept > 0 {
				emit(string(buf[:kept]))
			}
			if !more {
				return nil
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed):
			closed = true
		default:
			return err
		}
	}
	return nil
}

// capped is a byte buffer shared by both output streams that stops
// accepting data at limit.
type capped struct {
	mu     sync.Mutex
	buf    []byte
	limit  int
	isFull bool
	onFull func()
}

// write appends p up to the limit. It returns how many bytes of p were
// kept and whether more are wanted.
func (c *capped) write(p []byte) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isFull {
		return 0, false
	}
	room := c.limit - len(c.buf)
	if len(p) < room {
		c.buf = append(c.buf, p...)
		return len(p), true
	}
	c.buf = append(c.buf, p[:room]...)
	c.isFull = true
	if c.onFull != nil {
		c.onFull()
	}
	return room, false
}

func (c *capped) full() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isFull
}

func (c *capped) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.buf)
}
