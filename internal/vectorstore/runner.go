package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Runner executes the external commands the supervisor needs. The
// default implementation shells out via os/exec; tests substitute a fake.
type Runner interface {
	// Run executes name to completion and returns its combined output.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// Start launches a long-running process with extra environment
	// entries appended to the current environment.
	Start(name string, args []string, env []string) (Process, error)
}

// Process is a child started by Runner.Start.
type Process interface {
	// Stop terminates the process and reaps it. Calling Stop on an
	// already stopped process returns nil.
	Stop() error
}

// ExecRunner is the os/exec Runner.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

func (ExecRunner) Start(name string, args []string, env []string) (Process, error) {
	cmd := exec.Command(name, args...)
	cmd.Env = append(os.Environ(), env...)
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
	once    sync.Once
	stopErr error
}

// stopGrace is how long a process gets to exit after SIGTERM before it
// is killed.
const stopGrace = 5 * time.Second

func (p *execProcess) Stop() error {
	p.once.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}

		if err := terminate(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.stopErr = err
		}
		select {
		case <-p.done:
		case <-time.After(stopGrace):
			if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				p.stopErr = err
			}
			<-p.done
		}
	})
	return p.stopErr
}
