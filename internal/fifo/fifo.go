// Package fifo implements the one-byte queue-of-one wakeup primitive
// used to delimit external-client subgraphs (spec.md §4.3, §4.4, §6,
// §9 "FIFO-based subgraph wakeups"). A FIFO is a real named pipe on
// the server directory so external client processes can open it by
// path; the engine itself only ever reads and writes single bytes.
package fifo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrTimeout is returned by Wait when no byte arrived within the
// requested deadline.
var ErrTimeout = errors.New("fifo: wait timed out")

// FIFO is one named pipe, opened for both reading and writing so the
// engine never blocks on an absent reader/writer pairing.
type FIFO struct {
	path string
	fd   int
}

// Prefix returns the filename for FIFO index n under dir, matching
// spec.md §6: "<server_dir>/jack-ack-fifo-<server_pid>-<n>" — the
// name is kept in the original's shape so tooling that greps for
// jack-*/jack_* during shutdown cleanup keeps working unchanged.
func Prefix(dir string, pid, n int) string {
	return filepath.Join(dir, fmt.Sprintf("jack-ack-fifo-%d-%d", pid, n))
}

// Create makes (if absent) and opens the FIFO at path, mode 0666 per
// spec.md §6.
func Create(path string) (*FIFO, error) {
	if err := unix.Mkfifo(path, 0666); err != nil && !errors.Is(err, unix.EEXIST) {
		return nil, fmt.Errorf("fifo: mkfifo %q: %w", path, err)
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("fifo: open %q: %w", path, err)
	}
	return &FIFO{path: path, fd: fd}, nil
}

// Path returns the filesystem path of the FIFO.
func (f *FIFO) Path() string { return f.path }

// FD returns the underlying file descriptor, for inclusion in a
// poll(2) set (e.g. the low-latency coupled-mode wait in spec.md
// §4.4).
func (f *FIFO) FD() int { return f.fd }

// Signal writes exactly one byte, starting (or waking) a subgraph.
func (f *FIFO) Signal() error {
	var b [1]byte
	n, err := unix.Write(f.fd, b[:])
	if err != nil {
		return fmt.Errorf("fifo: signal %q: %w", f.path, err)
	}
	if n != 1 {
		return fmt.Errorf("fifo: signal %q: short write", f.path)
	}
	return nil
}

// Wait polls for and consumes exactly one byte, with a timeout in
// milliseconds. A timeoutMsec of 0 polls without blocking.
func (f *FIFO) Wait(timeoutMsec int) error {
	pfd := []unix.PollFd{{Fd: int32(f.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(pfd, timeoutMsec)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("fifo: poll %q: %w", f.path, err)
		}
		if n == 0 {
			return ErrTimeout
		}
		break
	}
	var b [1]byte
	n, err := unix.Read(f.fd, b[:])
	if err != nil {
		return fmt.Errorf("fifo: read %q: %w", f.path, err)
	}
	if n != 1 {
		return fmt.Errorf("fifo: read %q: short read", f.path)
	}
	return nil
}

// Close closes the FIFO's file descriptor. The backing path is left
// on disk; use Remove during server shutdown cleanup.
func (f *FIFO) Close() error {
	if f.fd < 0 {
		return nil
	}
	err := unix.Close(f.fd)
	f.fd = -1
	return err
}

// Remove unlinks the FIFO's path.
func (f *FIFO) Remove() error {
	err := os.Remove(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// CleanDir removes every jack-*/jack_* file in dir, matching spec.md
// §6's shutdown cleanup rule (sockets, FIFOs, and any stray files
// sharing the naming convention).
func CleanDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("fifo: read dir %q: %w", dir, err)
	}
	var firstErr error
	for _, e := range entries {
		name := e.Name()
		if matchesCleanupPattern(name) {
			if err := os.Remove(filepath.Join(dir, name)); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func matchesCleanupPattern(name string) bool {
	for _, prefix := range []string{"jack-", "jack_"} {
		if len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
