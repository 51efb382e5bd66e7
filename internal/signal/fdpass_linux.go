//go:build linux

package signal

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// RecvFD receives one fd over a Unix domain socket (SCM_RIGHTS).
func RecvFD(sock *os.File) (*os.File, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := unix.Recvmsg(int(sock.Fd()), buf, oob, 0)
	if err != nil {
		return nil, fmt.Errorf("recvmsg: %w", err)
	}
	if n == 0 || oobn == 0 {
		return nil, fmt.Errorf("no fd received (n=%d, oobn=%d)", n, oobn)
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			for _, extra := range fds[1:] {
				_ = unix.Close(extra)
			}
			return os.NewFile(uintptr(fds[0]), "signal-notify"), nil
		}
	}
	return nil, fmt.Errorf("no fd in control message")
}

// SendFD sends fd over sock with a one-byte payload.
func SendFD(sock *os.File, fd int) error {
	return unix.Sendmsg(int(sock.Fd()), []byte{0}, unix.UnixRights(fd), nil, 0)
}

// Socketpair returns a connected SOCK_SEQPACKET pair. The child end has
// CLOEXEC cleared so it survives exec.
func Socketpair() (parent, child *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	if _, err := unix.FcntlInt(uintptr(fds[1]), unix.F_SETFD, 0); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, fmt.Errorf("fcntl clear cloexec: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "signal-parent"), os.NewFile(uintptr(fds[1]), "signal-child"), nil
}
