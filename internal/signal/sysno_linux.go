//go:build linux

package signal

import "golang.org/x/sys/unix"

const sysKill = unix.SYS_KILL
