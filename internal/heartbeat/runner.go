// Package heartbeat drives the periodic autonomy tick on a cron schedule.
// Ticks are best-effort: an overlapping tick is skipped, a failing tick is
// logged and the schedule keeps going.
package heartbeat

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// A tick that outlives this is stuck and gets cancelled.
const tickTimeout = 30 * time.Second

type Runner struct {
	cron    *cron.Cron
	ticking atomic.Bool
	tickSeq atomic.Uint64
	handler func(context.Context) error
}

// NewRunner builds a runner for the given six-field cron spec. The handler
// runs at most once at a time.
func NewRunner(spec string, timezone string, handler func(context.Context) error) (*Runner, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, fmt.Errorf("heartbeat cron spec is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("heartbeat handler is required")
	}
	if strings.TrimSpace(timezone) == "" {
		timezone = "Local"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load heartbeat timezone: %w", err)
	}

	scheduler := cron.New(cron.WithLocation(loc), cron.WithSeconds())
	r := &Runner{
		cron:    scheduler,
		handler: handler,
	}
	if _, err := scheduler.AddFunc(spec, r.tick); err != nil {
		return nil, fmt.Errorf("register heartbeat cron: %w", err)
	}
	return r, nil
}

// Start begins ticking and stops when ctx is cancelled, waiting for an
// in-flight tick to finish.
func (r *Runner) Start(ctx context.Context) {
	r.cron.Start()
	go func() {
		<-ctx.Done()
		stopCtx := r.cron.Stop()
		<-stopCtx.Done()
		log.Printf("event=heartbeat_stopped ticks=%d", r.tickSeq.Load())
	}()
}

func (r *Runner) tick() {
	if !r.ticking.CompareAndSwap(false, true) {
		log.Printf("event=heartbeat_skipped reason=previous_tick_running")
		return
	}
	defer r.ticking.Store(false)

	seq := r.tickSeq.Add(1)
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	if err := r.handler(ctx); err != nil {
		log.Printf("event=heartbeat_tick_failed tick=%d err=%v", seq, err)
	}
}
