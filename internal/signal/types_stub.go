//go:build !unix

package signal

import (
	"errors"
	"fmt"
)

var errNoSignals = errors.New("signal names are only available on unix")

func SignalFromString(string) (int, error)    { return 0, errNoSignals }
func ExpandSignalGroup(string) ([]int, error) { return nil, errNoSignals }
func IsSignalGroup(string) bool               { return false }
func AllSignals() []int                       { return nil }
func SignalName(sig int) string               { return fmt.Sprintf("SIG%d", sig) }
