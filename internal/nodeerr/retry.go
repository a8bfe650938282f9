// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package nodeerr

import (
	"time"

	"github.com/decred/slog"
)

// RetryBackoff retries fn up to attempts times with exponential backoff
// starting at base, logging each failure with log. It returns the last
// error if all attempts fail. Used for TransientError conditions: store
// busy, peer disconnect, attestation timeout.
func RetryBackoff(attempts int, base time.Duration, log slog.Logger, op string, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		wait := base << uint(i)
		if log != nil {
			log.Warnf("%s: attempt %d/%d failed: %v (retrying in %s)", op, i+1, attempts, err, wait)
		}
		time.Sleep(wait)
	}
	if log != nil {
		log.Errorf("%s: giving up after %d attempts: %v", op, attempts, err)
	}
	return err
}
