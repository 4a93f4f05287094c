package poke

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/sawako/antipoke/internal/prompt"
)

const (
	// Outbound pokes wait a beat so the reaction does not look machine-fast.
	pokeDelay = 3 * time.Second
	// Pacing between generated reply segments.
	segmentDelay = 1 * time.Second
	// When the back-poke cooldown blocks a reflect, the agent still answers
	// with text about a third of the time.
	replyAnywayProbability = 0.33
)

// Event is one incoming platform notification, already resolved by the
// gateway layer.
type Event struct {
	IsPoke       bool
	GroupID      int64
	SourceUserID int64
	TargetUserID int64
	SourceName   string
	Content      string
}

// Outcome reports how one event was handled. OK=false means the event failed;
// deciding not to respond is a non-error outcome.
type Outcome struct {
	OK     bool
	Reason string
}

// Transport executes the externally visible side effects.
type Transport interface {
	SendPoke(ctx context.Context, groupID int64, userID int64) error
	SendText(ctx context.Context, groupID int64, text string, typing bool) error
}

// Generator turns a reply context into text segments. A failure means there
// is simply nothing to send.
type Generator interface {
	Reply(ctx context.Context, promptContext string) ([]string, error)
}

// Policy owns the shared state and turns each incoming poke into at most one
// externally visible action.
type Policy struct {
	loopCtx   context.Context
	selfID    int64
	state     *State
	decay     *DecayLoop
	params    ParameterProvider
	transport Transport
	generator Generator

	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
	randIntn  func(n int) int
}

type PolicyOption func(*Policy)

// WithSleeper replaces the delay primitive, for tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) PolicyOption {
	return func(p *Policy) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// WithRandFloat replaces the probability source, for tests.
func WithRandFloat(f func() float64) PolicyOption {
	return func(p *Policy) {
		if f != nil {
			p.randFloat = f
		}
	}
}

// WithRandIntn replaces the integer sampler, for tests.
func WithRandIntn(f func(n int) int) PolicyOption {
	return func(p *Policy) {
		if f != nil {
			p.randIntn = f
		}
	}
}

// NewPolicy wires the decision machine. loopCtx bounds the background decay
// loop, not individual events.
func NewPolicy(loopCtx context.Context, selfID int64, state *State, decay *DecayLoop, params ParameterProvider, transport Transport, generator Generator, opts ...PolicyOption) *Policy {
	if loopCtx == nil {
		loopCtx = context.Background()
	}
	p := &Policy{
		loopCtx:   loopCtx,
		selfID:    selfID,
		state:     state,
		decay:     decay,
		params:    params,
		transport: transport,
		generator: generator,
		sleep:     sleepCtx,
		randFloat: rand.Float64,
		randIntn:  rand.Intn,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// HandlePoke runs the per-event decision algorithm. Nothing escapes: panics
// and errors become a failed Outcome for this one event and never touch other
// events or the decay loop.
func (p *Policy) HandlePoke(ctx context.Context, ev Event) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("event=poke_handler_panic group=%d source=%d err=%v", ev.GroupID, ev.SourceUserID, r)
			out = Outcome{OK: false, Reason: fmt.Sprintf("handler panic: %v", r)}
		}
	}()

	params := p.params.Resolve()

	released, stillSilent := p.state.ReleaseSilenceIfElapsed()
	if stillSilent {
		log.Printf("event=poke_ignored reason=silent group=%d source=%d", ev.GroupID, ev.SourceUserID)
		return Outcome{OK: true, Reason: "silent, every poke is ignored"}
	}
	if released {
		log.Printf("event=silence_released group=%d", ev.GroupID)
	}

	if !ev.IsPoke {
		return Outcome{OK: true, Reason: "not a poke notice"}
	}

	canPokeBack := p.state.CanPokeBack(params.BackPokeCooldown)

	if ev.TargetUserID != p.selfID {
		if p.randFloat() < params.FollowProbability {
			if err := p.deliverPoke(ctx, ev.GroupID, ev.TargetUserID); err != nil {
				return Outcome{OK: false, Reason: fmt.Sprintf("follow poke failed: %v", err)}
			}
			p.state.MarkPokeBack()
			log.Printf("event=follow_poke group=%d target=%d", ev.GroupID, ev.TargetUserID)
			return Outcome{OK: true, Reason: "could not resist following the poke"}
		}
		return Outcome{OK: true, Reason: "not aimed at me, not following either"}
	}

	if p.state.InsensitiveOrMark(params.Insensitivity, Source{GroupID: ev.GroupID, UserID: ev.SourceUserID}) {
		log.Printf("event=poke_ignored reason=insensitivity group=%d source=%d", ev.GroupID, ev.SourceUserID)
		return Outcome{OK: true, Reason: "still numb, do not disturb"}
	}

	p.decay.StartIfNeeded(p.loopCtx)
	count := p.state.Increment()

	escalated, err := p.state.EscalateIfThresholdReached(func() (SilenceParams, error) {
		sp, genErr := RandomSilenceParams(p.randIntn, params)
		if genErr == nil {
			log.Printf("event=silence_params_generated duration=%s threshold=%d", sp.Duration, sp.Threshold)
		}
		return sp, genErr
	})
	if err != nil {
		return Outcome{OK: false, Reason: fmt.Sprintf("silence params: %v", err)}
	}

	suffix := prompt.SuffixSoft
	if escalated {
		suffix = prompt.SuffixProtest
		snap := p.state.Snapshot()
		log.Printf("event=silence_escalated count=%d started_at=%s", count, snap.SilenceStartedAt.UTC().Format(time.RFC3339))
	}

	if p.randFloat() < params.ReflectProbability && !escalated && canPokeBack {
		if err := p.deliverPoke(ctx, ev.GroupID, ev.SourceUserID); err != nil {
			return Outcome{OK: false, Reason: fmt.Sprintf("reflect poke failed: %v", err)}
		}
		p.state.MarkPokeBack()
		log.Printf("event=reflect_poke group=%d target=%d", ev.GroupID, ev.SourceUserID)
		return Outcome{OK: true, Reason: "poked right back"}
	}

	if !canPokeBack && !escalated {
		if p.randFloat() >= replyAnywayProbability {
			return Outcome{OK: true, Reason: "felt like staying quiet"}
		}
	}

	p.generateReply(ctx, ev, suffix)
	return Outcome{OK: true, Reason: "answered with words"}
}

// deliverPoke waits the human-latency beat off the state lock, then emits the
// poke.
func (p *Policy) deliverPoke(ctx context.Context, groupID int64, userID int64) error {
	if err := p.sleep(ctx, pokeDelay); err != nil {
		return err
	}
	return p.transport.SendPoke(ctx, groupID, userID)
}

// generateReply asks the generator and paces the segments out. Generation
// failure means there is nothing to send; it is not an error for the event.
func (p *Policy) generateReply(ctx context.Context, ev Event, suffix string) {
	segments, err := p.generator.Reply(ctx, prompt.Reply(ev.SourceName, ev.Content, suffix))
	if err != nil {
		log.Printf("event=reply_generation_failed group=%d source=%d err=%v", ev.GroupID, ev.SourceUserID, err)
		return
	}
	for _, segment := range segments {
		if err := p.transport.SendText(ctx, ev.GroupID, segment, true); err != nil {
			log.Printf("event=reply_send_failed group=%d err=%v", ev.GroupID, err)
			return
		}
		if err := p.sleep(ctx, segmentDelay); err != nil {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
