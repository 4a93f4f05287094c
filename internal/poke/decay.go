package poke

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/sawako/antipoke/internal/config"
)

// ParameterProvider resolves the current tunable parameters. Resolutions are
// point-in-time snapshots and may differ between calls (hot reload).
type ParameterProvider interface {
	Resolve() config.Params
}

// DecayLoop slowly forgets pokes: while the agent is not silent and no new
// poke has landed for a full decay interval, the counter drops by one per
// interval. At most one loop instance is alive at a time.
type DecayLoop struct {
	state  *State
	params ParameterProvider

	mu      sync.Mutex
	done    chan struct{}
	lastErr error
}

func NewDecayLoop(state *State, params ParameterProvider) *DecayLoop {
	return &DecayLoop{state: state, params: params}
}

// StartIfNeeded launches the loop unless one is already alive. A loop that
// finished (cancelled or failed) counts as dead and is replaced, so a crashed
// loop heals on the next poke. Reports whether a new loop was started.
func (d *DecayLoop) StartIfNeeded(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.done != nil {
		select {
		case <-d.done:
		default:
			return false
		}
	}

	done := make(chan struct{})
	d.done = done
	go func() {
		defer close(done)
		err := d.run(ctx)

		d.mu.Lock()
		d.lastErr = err
		d.mu.Unlock()

		switch {
		case err == nil:
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			log.Printf("event=decay_loop_stopped reason=cancelled err=%v", err)
		default:
			log.Printf("event=decay_loop_stopped reason=failure err=%v", err)
		}
	}()
	log.Printf("event=decay_loop_started")
	return true
}

// Running reports whether a loop instance is currently alive.
func (d *DecayLoop) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done == nil {
		return false
	}
	select {
	case <-d.done:
		return false
	default:
		return true
	}
}

// Err returns the outcome of the most recently finished loop. Cancellation is
// propagated here rather than swallowed.
func (d *DecayLoop) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastErr
}

// Wait blocks until the current loop instance finishes, for shutdown.
func (d *DecayLoop) Wait() {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (d *DecayLoop) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decay loop panic: %v", r)
		}
	}()

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		// The interval is re-resolved every cycle so hot reloads apply
		// without restarting the loop.
		interval := d.params.Resolve().DecayInterval
		if interval <= 0 {
			return fmt.Errorf("decay interval %v is not positive", interval)
		}
		timer.Reset(interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if count, decayed := d.state.DecrementIfIdle(interval); decayed {
			log.Printf("event=poke_count_decayed count=%d", count)
		}
	}
}
