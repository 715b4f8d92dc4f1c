package retry

import (
	"context"
	"fmt"
	"time"
)

// Config holds retry configuration
type Config struct {
	MaxRetries     int           // Maximum number of retry attempts; negative retries until ctx is done
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
	Multiplier     float64       // Backoff multiplier (exponential)
}

// DefaultConfig returns sensible defaults for retries
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// Backoff yields successive sleep durations for one retry loop.
type Backoff struct {
	cfg  Config
	next time.Duration
}

// NewBackoff starts a backoff sequence at cfg.InitialBackoff.
func NewBackoff(cfg Config) *Backoff {
	return &Backoff{cfg: cfg, next: cfg.InitialBackoff}
}

// Next returns the duration to sleep before the next attempt.
func (b *Backoff) Next() time.Duration {
	d := b.next
	if b.cfg.Multiplier > 1 {
		b.next = time.Duration(float64(b.next) * b.cfg.Multiplier)
	}
	if b.cfg.MaxBackoff > 0 && b.next > b.cfg.MaxBackoff {
		b.next = b.cfg.MaxBackoff
	}
	return d
}

// Reset restarts the sequence.
func (b *Backoff) Reset() {
	b.next = b.cfg.InitialBackoff
}

// Do executes fn with exponential backoff retries. Errors for which
// retryable returns false stop the loop immediately; a nil retryable
// retries everything.
func Do(ctx context.Context, config Config, retryable func(error) bool, fn func() error) error {
	var lastErr error
	backoff := NewBackoff(config)

	for attempt := 0; config.MaxRetries < 0 || attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, lastErr)
			}
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return err
		}

		// Don't sleep after last attempt
		if attempt == config.MaxRetries {
			break
		}

		timer := time.NewTimer(backoff.Next())
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after %d attempts: %w", attempt+1, lastErr)
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", config.MaxRetries, lastErr)
}
