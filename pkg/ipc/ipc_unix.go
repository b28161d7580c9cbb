//go:build !windows

package ipc

import (
	"context"
	stderrors "errors"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/brokerhub/brokerhub-go/pkg/errors"
)

// FullAddr resolves a bare pipe name to its Unix-domain socket path under
// the temp directory. Absolute paths pass through untouched.
func FullAddr(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(os.TempDir(), name)
}

func listenPipe(name string, opts *ServerOptions) (net.Listener, string, error) {
	addr := FullAddr(name)

	// Remove a stale socket in case a previous server was not shut down
	// cleanly.
	_ = os.Remove(addr)

	listener, err := net.Listen("unix", addr)
	if err != nil {
		return nil, "", err
	}

	if opts.CurrentUserOnly {
		if err := os.Chmod(addr, 0600); err != nil {
			listener.Close()
			return nil, "", err
		}
	}

	return listener, addr, nil
}

func dialPipe(ctx context.Context, name string, opts *DialOptions) (net.Conn, error) {
	// Unix sockets have no separate wait-then-open dance; a connect either
	// succeeds or fails immediately, so SpinWait changes nothing here.
	addr := FullAddr(name)

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", addr)
	if err != nil {
		return nil, err
	}

	if opts.CurrentUserOnly {
		if err := verifyPipeOwnership(addr); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return conn, nil
}

// verifyPipeOwnership guards against a socket squatted by another local
// user under a predictable name.
func verifyPipeOwnership(addr string) error {
	info, err := os.Stat(addr)
	if err != nil {
		return err
	}

	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}
	if int(stat.Uid) != os.Getuid() {
		return &errors.UnauthorizedError{
			Reason: "pipe " + addr + " is owned by uid " + strconv.Itoa(int(stat.Uid)) + ", not the current user",
		}
	}
	return nil
}

// isNotFound reports the failures that mean the server has not bound yet.
func isNotFound(err error) bool {
	return stderrors.Is(err, fs.ErrNotExist) || stderrors.Is(err, syscall.ENOENT) || stderrors.Is(err, syscall.ECONNREFUSED)
}
