package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// wrapSockEnv carries the fd number of the socket the wrap stage sends the
// notify fd over.
const wrapSockEnv = "SIGGUARD_SIGNAL_SOCK_FD"

func wrapSockFD() (int, error) {
	val := os.Getenv(wrapSockEnv)
	if val == "" {
		return 0, fmt.Errorf("%s not set; wrap is started by 'sigguard run'", wrapSockEnv)
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 2 {
		return 0, fmt.Errorf("invalid %s=%q", wrapSockEnv, val)
	}
	return n, nil
}

// wrapEnv drops the supervisor's plumbing from the workload environment.
func wrapEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, wrapSockEnv+"=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}
