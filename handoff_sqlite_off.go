//go:build !sqlite
// +build !sqlite

package mailjobs

import (
	"fmt"
	"time"
)

func newSQLiteHandoff(string, time.Duration, int) (Handoff, error) {
	return nil, fmt.Errorf("sqlite handoff backend requires building with -tags sqlite")
}
