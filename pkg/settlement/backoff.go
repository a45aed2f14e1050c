package settlement

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy spaces out retries of a failed settlement.
type BackoffPolicy struct {
	Base      time.Duration `yaml:"base"`
	Max       time.Duration `yaml:"max"`
	MaxJitter time.Duration `yaml:"max_jitter"`
}

func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Base: 2 * time.Second, Max: 5 * time.Minute, MaxJitter: time.Second}
}

// Delay returns base * 2^attempt capped at Max, plus jitter derived from the
// ledger entry id so a replayed schedule is identical.
func (p BackoffPolicy) Delay(entryID string, attempt int) time.Duration {
	shift := attempt
	if shift < 0 {
		shift = 0
	}
	if shift > 30 {
		shift = 30
	}
	delay := p.Base * time.Duration(int64(1)<<shift)
	if delay > p.Max || delay < 0 {
		delay = p.Max
	}
	return delay + p.jitter(entryID, attempt)
}

func (p BackoffPolicy) jitter(entryID string, attempt int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", entryID, attempt)))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(p.MaxJitter)) //nolint:gosec // MaxJitter is positive here
}

// NextAttemptAt schedules the attempt after a failure at now.
func (p BackoffPolicy) NextAttemptAt(entryID string, attempt int, now time.Time) time.Time {
	return now.Add(p.Delay(entryID, attempt))
}
