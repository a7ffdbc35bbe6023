package app

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-dispatch/core"
)

const DefaultMaxPingFailures = 3

// StorageCheck pings one durable dependency.
type StorageCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// StorageWatchdog pings storage on an interval while the service runs. The
// service cannot honor its guarantees without durable state, so Run returns a
// StorageUnavailable error once any check fails maxFailures times in a row.
type StorageWatchdog struct {
	checks      []StorageCheck
	interval    time.Duration
	maxFailures int
	timeout     time.Duration
	logger      core.Logger
}

func NewStorageWatchdog(checks []StorageCheck, interval time.Duration, maxFailures int, timeout time.Duration, logger core.Logger) *StorageWatchdog {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if maxFailures <= 0 {
		maxFailures = DefaultMaxPingFailures
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &StorageWatchdog{
		checks:      checks,
		interval:    interval,
		maxFailures: maxFailures,
		timeout:     timeout,
		logger:      core.ResolveLogger("dispatch.storage", nil, logger),
	}
}

// Run blocks until ctx ends or storage is declared lost.
func (w *StorageWatchdog) Run(ctx context.Context) error {
	if w == nil || len(w.checks) == 0 {
		<-ctx.Done()
		return nil
	}
	failures := make([]int, len(w.checks))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for i, check := range w.checks {
			pingCtx, cancel := context.WithTimeout(ctx, w.timeout)
			err := check.Ping(pingCtx)
			cancel()
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				if failures[i] > 0 {
					core.Log(ctx, w.logger, "info", "storage reachable again", map[string]any{"storage": check.Name})
				}
				failures[i] = 0
				continue
			}
			failures[i]++
			core.Log(ctx, w.logger, "warn", "storage ping failed", map[string]any{
				"storage":  check.Name,
				"failures": failures[i],
				"error":    err.Error(),
			})
			if failures[i] >= w.maxFailures {
				core.Log(ctx, w.logger, "error", "storage unavailable, stopping", map[string]any{"storage": check.Name})
				if core.IsStorageUnavailable(err) {
					return err
				}
				return core.StorageUnavailable(fmt.Errorf("%s: %w", check.Name, err))
			}
		}
	}
}
