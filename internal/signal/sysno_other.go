//go:build !linux

package signal

// sysKill never matches on platforms without seccomp interception.
const sysKill = -1
