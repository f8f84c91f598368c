package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
)

// Process is a long-running helper started by a ProcessStarter.
type Process interface {
	Pid() int
	Kill() error
	Wait() error
}

// ProcessStarter launches helpers that outlive a single request, such as a
// debug bridge.
type ProcessStarter interface {
	Start(ctx context.Context, name string, args ...string) (Process, error)
}

func (r ExecRunner) Start(_ context.Context, name string, args ...string) (Process, error) {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) Wait() error {
	<-p.done
	var exitErr *exec.ExitError
	if errors.As(p.err, &exitErr) {
		return nil
	}
	return p.err
}

// Start records the invocation and returns a process that exits when killed.
func (r *Recorder) Start(ctx context.Context, name string, args ...string) (Process, error) {
	if _, err := r.Run(ctx, name, args...); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextPid++
	return &fakeProcess{pid: r.nextPid, done: make(chan struct{})}, nil
}

type fakeProcess struct {
	pid  int
	once sync.Once
	done chan struct{}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Kill() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.done
	return nil
}
