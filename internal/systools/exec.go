package systools

import (
	"bytes"
	"context"
	"os/exec"
	"sync"

	"golang.org/x/sys/unix"
)

// SystemExecutor executes commands using os/exec.
type SystemExecutor struct{}

// NewSystemExecutor creates a new system command executor.
func NewSystemExecutor() *SystemExecutor {
	return &SystemExecutor{}
}

// Run executes a command and returns combined output.
func (e *SystemExecutor) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Start launches a command in the background with its combined output
// captured.
func (e *SystemExecutor) Start(dir string, name string, args ...string) (Process, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir

	buf := &lockedBuffer{}
	cmd.Stdout = buf
	cmd.Stderr = buf

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &osProcess{
		cmd:  cmd,
		buf:  buf,
		done: make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// osProcess wraps a started exec.Cmd.
type osProcess struct {
	cmd     *exec.Cmd
	buf     *lockedBuffer
	done    chan struct{}
	waitErr error
}

// Done is closed when the process exits.
func (p *osProcess) Done() <-chan struct{} {
	return p.done
}

// Err returns the exit error. Only valid after Done is closed.
func (p *osProcess) Err() error {
	select {
	case <-p.done:
		return p.waitErr
	default:
		return nil
	}
}

// Output returns the combined output captured so far.
func (p *osProcess) Output() string {
	return p.buf.String()
}

// Terminate sends SIGTERM.
func (p *osProcess) Terminate() error {
	return p.cmd.Process.Signal(unix.SIGTERM)
}

// Wait blocks until the process exits.
func (p *osProcess) Wait() error {
	<-p.done
	return p.waitErr
}

// lockedBuffer is a bytes.Buffer safe for use as Stdout and Stderr of a
// running command while readers poll Output.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Ensure implementations satisfy their interfaces at compile time.
var (
	_ CommandExecutor = (*SystemExecutor)(nil)
	_ Process         = (*osProcess)(nil)
)
