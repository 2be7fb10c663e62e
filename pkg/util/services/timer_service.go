package services

import (
	"context"
	"time"
)

// NewTimerService builds a Service whose RunningFn fires iterationFn on a
// fixed interval until stopped. startFn and stopFn are optional one-shot
// hooks run before the first tick and after the last, respectively.
func NewTimerService(interval time.Duration, startFn StartingFn, iterationFn func(ctx context.Context) error, stopFn StoppingFn) *BasicService {
	runFn := func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := iterationFn(ctx); err != nil {
					return err
				}
			}
		}
	}

	return NewBasicService(startFn, runFn, stopFn)
}
