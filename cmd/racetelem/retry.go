package main

import (
	"context"
	"log"
	"time"

	"github.com/shaunagostinho/racetelem/internal/source"
)

// retryingSource opens its port with connectWithRetry, so the ingestion loop
// waits for the hardware instead of failing.
type retryingSource struct {
	source.LineSource
	ctx         context.Context
	maxAttempts int
}

func (r *retryingSource) Open() error {
	return connectWithRetry(r.ctx, r.Name(), r.LineSource, r.maxAttempts)
}

type opener interface {
	Open() error
}

var (
	retryBase = 1 * time.Second
	retryMax  = 60 * time.Second
)

// connectWithRetry attempts to open with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, logs each of the first
// maxAttempts failures then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, name string, c opener, maxAttempts int) error {
	delay := retryBase
	attempt := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.Open()
		if err == nil {
			log.Printf("[%s] connected successfully (attempt %d)", name, attempt+1)
			return nil
		}
		attempt++
		if attempt <= maxAttempts {
			log.Printf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
				name, attempt, maxAttempts, err, delay)
		} else {
			log.Printf("[%s] connect attempt %d failed: %v (retry in %v)",
				name, attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > retryMax {
			delay = retryMax
		}
	}
}
