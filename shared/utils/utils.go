// Shared Utilities
// Identifiers, hashing, calendar-date arithmetic and retry helpers.

package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ID Generation Utilities
func GenerateID() string {
	return uuid.New().String()
}

func GenerateShortID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}

// Hash Utilities
func HashString(input string) string {
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])
}

func HashBytes(input []byte) string {
	hash := sha256.Sum256(input)
	return hex.EncodeToString(hash[:])
}

// String Utilities
func IsEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}

func BuildKey(parts ...string) string {
	return strings.Join(parts, "|")
}

// Date Utilities

// DateOf truncates t to midnight UTC of its calendar day.
func DateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// AddDays adds whole calendar days.
func AddDays(t time.Time, days int) time.Time {
	return t.AddDate(0, 0, days)
}

// DaysBetween counts calendar days from start to end; negative when end is earlier.
func DaysBetween(start, end time.Time) int {
	return int(DateOf(end).Sub(DateOf(start)).Hours() / 24)
}

func FormatDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// Retry Utilities
type RetryConfig struct {
	MaxAttempts int
	Delay       time.Duration
	Backoff     func(attempt int, delay time.Duration) time.Duration
	// Retryable decides whether an error is worth another attempt. Nil retries everything.
	Retryable func(err error) bool
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Delay:       10 * time.Millisecond,
		Backoff: func(attempt int, delay time.Duration) time.Duration {
			return delay * time.Duration(attempt)
		},
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error, or runs out of attempts.
// The last error is returned unwrapped so callers can still classify it.
func Retry(fn func(attempt int) error, config RetryConfig) error {
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if config.Retryable != nil && !config.Retryable(err) {
			return err
		}

		if attempt < attempts && config.Delay > 0 {
			delay := config.Delay
			if config.Backoff != nil {
				delay = config.Backoff(attempt, config.Delay)
			}
			time.Sleep(delay)
		}
	}
	return lastErr
}
