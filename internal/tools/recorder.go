package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Call is one recorded invocation.
type Call struct {
	Name string
	Args []string
}

func (c Call) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Recorder is a CommandRunner that records invocations and answers from
// canned responses keyed by the full command line. Unknown commands succeed
// with empty output; Fail marks command prefixes that should exit non-zero.
type Recorder struct {
	mu        sync.Mutex
	calls     []Call
	responses map[string]string
	failures  []string
	nextPid   int
	hooks     []hook
}

type hook struct {
	prefix string
	fn     func()
}

func NewRecorder() *Recorder {
	return &Recorder{responses: make(map[string]string)}
}

// Respond sets stdout for an exact command line.
func (r *Recorder) Respond(line, stdout string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[line] = stdout
}

// Fail makes every command line starting with prefix exit 1.
func (r *Recorder) Fail(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, prefix)
}

// Clear drops a prefix registered with Fail.
func (r *Recorder) Clear(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.failures[:0]
	for _, p := range r.failures {
		if p != prefix {
			kept = append(kept, p)
		}
	}
	r.failures = kept
}

// OnCall runs fn before answering any command line starting with prefix.
// fn may call Respond or Fail.
func (r *Recorder) OnCall(prefix string, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook{prefix: prefix, fn: fn})
}

func (r *Recorder) Run(_ context.Context, name string, args ...string) (Result, error) {
	call := Call{Name: name, Args: append([]string(nil), args...)}
	line := call.String()

	r.mu.Lock()
	r.calls = append(r.calls, call)
	hooks := append([]hook(nil), r.hooks...)
	r.mu.Unlock()
	for _, h := range hooks {
		if strings.HasPrefix(line, h.prefix) {
			h.fn()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, prefix := range r.failures {
		if strings.HasPrefix(line, prefix) {
			return Result{ExitCode: 1}, fmt.Errorf("%s: exit 1", line)
		}
	}
	return Result{Stdout: []byte(r.responses[line])}, nil
}

// Lines returns every recorded command line in call order.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.String())
	}
	return out
}
