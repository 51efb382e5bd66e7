package guard

import "syscall"

// restrictedMask holds the termination-class signals protected programs
// are shielded from, one bit per signal number.
var restrictedMask = sigmask(syscall.SIGKILL) | sigmask(syscall.SIGINT) | sigmask(syscall.SIGTERM)

func sigmask(sig syscall.Signal) uint64 {
	return 1 << (uint(sig) - 1)
}

// IsRestricted reports whether sig is in the restricted set.
func IsRestricted(sig int) bool {
	if sig <= 0 || sig > 64 {
		return false
	}
	return restrictedMask&(1<<uint(sig-1)) != 0
}

// RestrictedSignals lists the restricted set in ascending order.
func RestrictedSignals() []int {
	var out []int
	for sig := 1; sig <= 64; sig++ {
		if IsRestricted(sig) {
			out = append(out, sig)
		}
	}
	return out
}
