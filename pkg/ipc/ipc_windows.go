//go:build windows

package ipc

import (
	"context"
	stderrors "errors"
	"io/fs"
	"net"
	"os/user"
	"strings"
	"time"

	"github.com/Microsoft/go-winio"
	"golang.org/x/sys/windows"

	"github.com/brokerhub/brokerhub-go/pkg/errors"
)

const pipePrefix = `\\.\pipe\`

// FullAddr resolves a bare pipe name to its \\.\pipe\ path. Full pipe paths
// pass through untouched.
func FullAddr(name string) string {
	if strings.HasPrefix(name, pipePrefix) {
		return name
	}
	return pipePrefix + name
}

func listenPipe(name string, opts *ServerOptions) (net.Listener, string, error) {
	addr := FullAddr(name)

	cfg := &winio.PipeConfig{}
	if opts.CurrentUserOnly {
		current, err := user.Current()
		if err != nil {
			return nil, "", err
		}
		// Grant full access to the owning user only; user.Current().Uid is
		// the SID string on Windows.
		cfg.SecurityDescriptor = "D:P(A;;GA;;;" + current.Uid + ")"
	}

	listener, err := winio.ListenPipe(addr, cfg)
	if err != nil {
		return nil, "", err
	}

	return listener, addr, nil
}

func dialPipe(ctx context.Context, name string, opts *DialOptions) (net.Conn, error) {
	addr := FullAddr(name)

	var (
		conn net.Conn
		err  error
	)
	if opts.SpinWait {
		// The caller knows the pipe exists; let the platform wait with its
		// natural timeout.
		timeout := 10 * time.Second
		conn, err = winio.DialPipe(addr, &timeout)
	} else {
		conn, err = winio.DialPipeContext(ctx, addr)
	}
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

// verifyPipeOwnership compares the pipe owner's SID against the current
// user, guarding against a pipe squatted by another local user under a
// predictable name.
func verifyPipeOwnership(addr string) error {
	sd, err := windows.GetNamedSecurityInfo(addr, windows.SE_FILE_OBJECT, windows.OWNER_SECURITY_INFORMATION)
	if err != nil {
		return err
	}
	owner, _, err := sd.Owner()
	if err != nil {
		return err
	}

	current, err := user.Current()
	if err != nil {
		return err
	}
	if owner.String() != current.Uid {
		return &errors.UnauthorizedError{
			Reason: "pipe " + addr + " is owned by " + owner.String() + ", not the current user",
		}
	}
	return nil
}

// isNotFound reports the failures that mean the server has not bound yet.
func isNotFound(err error) bool {
	return stderrors.Is(err, fs.ErrNotExist) || strings.Contains(err.Error(), "cannot find the file")
}
