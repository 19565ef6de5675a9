package main

import (
	"context"
	"time"

	"github.com/imrishuroy/screening-gateway/internal/dispatch"
)

// Dispatcher sends one action to its gateway.
type Dispatcher interface {
	Dispatch(ctx context.Context, actionID string) (dispatch.Result, error)
}

// Sweeper re-dispatches actions whose retry time has passed.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (dispatch.SweepStats, error)
}

// SweepRecorder publishes the size of each sweep.
type SweepRecorder interface {
	RecordSweep(ctx context.Context, due int)
}
