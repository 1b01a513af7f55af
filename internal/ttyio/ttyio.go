// Package ttyio provides deadline-bounded reads over terminals and PTY
// masters, so that every worker loop can observe cancellation promptly.
package ttyio

import (
	"errors"
	"io"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"ttyprof/internal/model"
)

// Reader reads with an upper bound on how long it may block. A timeout is
// reported as (0, nil).
type Reader interface {
	ReadTimeout(p []byte, timeout time.Duration) (int, error)
}

// FileReader reads from a file registered with the Go runtime poller (a PTY
// master opened with os.OpenFile) using read deadlines.
type FileReader struct {
	File *os.File
}

// ReadTimeout implements Reader.
func (r FileReader) ReadTimeout(p []byte, timeout time.Duration) (int, error) {
	if err := r.File.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, Classify(err)
	}
	n, err := r.File.Read(p)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return n, nil
		}
		return n, Classify(err)
	}
	return n, nil
}

// PollReader reads from a raw descriptor (typically stdin, which the runtime
// poller does not manage) after waiting for readiness with poll(2).
type PollReader struct {
	FD int
}

// ReadTimeout implements Reader.
func (r PollReader) ReadTimeout(p []byte, timeout time.Duration) (int, error) {
	fds := []unix.PollFd{{Fd: int32(r.FD), Events: unix.POLLIN}}
	ready, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, Classify(err)
	}
	if ready == 0 {
		return 0, nil
	}
	if fds[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
		return 0, nil
	}
	n, err := unix.Read(r.FD, p)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, Classify(err)
	}
	if n == 0 {
		return 0, model.ErrChannelClosed
	}
	return n, nil
}

// IsClosed reports whether err means the other end of the stream is gone.
func IsClosed(err error) bool {
	return errors.Is(err, model.ErrChannelClosed)
}

// Classify maps end-of-stream conditions onto model.ErrChannelClosed. A PTY
// master returns EIO once every slave descriptor is closed.
func Classify(err error) error {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, os.ErrClosed),
		errors.Is(err, syscall.EIO),
		errors.Is(err, syscall.EBADF):
		return errors.Join(model.ErrChannelClosed, err)
	default:
		return err
	}
}
