package session

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"ttyprof/internal/model"
	"ttyprof/internal/ttyio"
)

// DefaultSize is used when the operator's terminal size is unknown.
var DefaultSize = Size{Cols: 80, Rows: 24}

// Size is a terminal size in character cells.
type Size struct {
	Cols uint16
	Rows uint16
}

// Channel is the parent side of the target's pseudo-terminal. Reads are
// deadline-bounded; writes go straight to the target's input.
type Channel struct {
	master *os.File
	reader ttyio.FileReader

	closeOnce sync.Once
	closeErr  error
}

// Write implements io.Writer. Writing after the target closed its terminal
// reports model.ErrChannelClosed.
func (c *Channel) Write(p []byte) (int, error) {
	n, err := c.master.Write(p)
	if err != nil {
		return n, ttyio.Classify(err)
	}
	return n, nil
}

// ReadTimeout implements ttyio.Reader.
func (c *Channel) ReadTimeout(p []byte, timeout time.Duration) (int, error) {
	return c.reader.ReadTimeout(p, timeout)
}

// Resize changes the terminal size seen by the target.
func (c *Channel) Resize(size Size) error {
	if size.Cols == 0 || size.Rows == 0 {
		return nil
	}
	if err := setWindowSize(c.master, size); err != nil {
		return fmt.Errorf("resize terminal: %w", err)
	}
	return nil
}

// Close releases the channel. It is safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.master.Close()
	})
	return c.closeErr
}

// Child is the spawned target. It leads its own session and process group.
type Child struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// PID returns the target's process id, which is also its process group id.
func (c *Child) PID() int {
	return c.cmd.Process.Pid
}

// Done is closed once the target has exited and been reaped.
func (c *Child) Done() <-chan struct{} {
	return c.done
}

// ExitCode returns the target's exit status. It reports false while the
// target is running; -1 means it was killed by a signal.
func (c *Child) ExitCode() (int, bool) {
	select {
	case <-c.done:
		return c.cmd.ProcessState.ExitCode(), true
	default:
		return 0, false
	}
}

// Terminate stops the whole process group: SIGTERM first, then SIGKILL if
// the target is still running after grace. It waits for the target to be
// reaped.
func (c *Child) Terminate(grace time.Duration) error {
	select {
	case <-c.done:
		// The leader is gone but stragglers may remain in its group.
		_ = signalGroup(c.PID(), syscall.SIGTERM)
		return nil
	default:
	}

	if err := signalGroup(c.PID(), syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal process group: %w", err)
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-c.done:
		return nil
	case <-timer.C:
	}

	if err := signalGroup(c.PID(), syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill process group: %w", err)
	}
	<-c.done
	return nil
}

// Spawn allocates a pseudo-terminal and starts command under "sh -c" attached
// to it as the controlling terminal of a new session.
func Spawn(command string, size Size) (*Channel, *Child, error) {
	if command == "" {
		return nil, nil, &model.SpawnError{Command: command, Err: errors.New("empty command")}
	}

	master, slavePath, err := openPTY()
	if err != nil {
		return nil, nil, &model.SpawnError{Command: command, Err: err}
	}
	channel := &Channel{master: master, reader: ttyio.FileReader{File: master}}
	if size.Cols == 0 || size.Rows == 0 {
		size = DefaultSize
	}
	if err := channel.Resize(size); err != nil {
		channel.Close()
		return nil, nil, &model.SpawnError{Command: command, Err: err}
	}

	slave, err := os.OpenFile(slavePath, os.O_RDWR, 0)
	if err != nil {
		channel.Close()
		return nil, nil, &model.SpawnError{Command: command, Err: fmt.Errorf("open PTY slave %s: %w", slavePath, err)}
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Env = childEnv(os.Environ())
	cmd.Stdin = slave
	cmd.Stdout = slave
	cmd.Stderr = slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0, // fd 0 in child = slave PTY
	}

	if err := cmd.Start(); err != nil {
		slave.Close()
		channel.Close()
		return nil, nil, &model.SpawnError{Command: command, Err: err}
	}
	// The child has its own copies on fds 0/1/2.
	slave.Close()

	child := &Child{cmd: cmd, done: make(chan struct{})}
	go func() {
		child.err = cmd.Wait()
		close(child.done)
	}()
	return channel, child, nil
}

func childEnv(env []string) []string {
	for _, kv := range env {
		if len(kv) > 5 && kv[:5] == "TERM=" {
			return env
		}
	}
	return append(env, "TERM=xterm-256color")
}

// Err returns the error from waiting on the target, once it has exited.
// A non-zero exit status is reported as *exec.ExitError.
func (c *Child) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}
