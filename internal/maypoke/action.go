// Package maypoke is the proactive side of the bot: instead of reacting to a
// poke it may itself poke someone, either on request or as a joke. It shares
// the back-poke cooldown with the reactive policy so the agent never pokes
// twice in quick succession.
package maypoke

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/sawako/antipoke/internal/poke"
)

const (
	pokeDelay       = 3 * time.Second
	jokeProbability = 0.4
	// The autonomy tick only teases someone who poked recently.
	recentSourceWindow = 10 * time.Minute
)

type Case string

const (
	CaseRequest Case = "request"
	CaseJoke    Case = "joke"
)

type Request struct {
	GroupID    int64
	TargetID   int64
	TargetName string
	Case       Case
}

type Transport interface {
	SendPoke(ctx context.Context, groupID int64, userID int64) error
}

type Action struct {
	state     *poke.State
	params    poke.ParameterProvider
	transport Transport

	sleep     func(ctx context.Context, d time.Duration) error
	randFloat func() float64
}

type Option func(*Action)

func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(a *Action) {
		if sleep != nil {
			a.sleep = sleep
		}
	}
}

func WithRandFloat(f func() float64) Option {
	return func(a *Action) {
		if f != nil {
			a.randFloat = f
		}
	}
}

func NewAction(state *poke.State, params poke.ParameterProvider, transport Transport, opts ...Option) *Action {
	a := &Action{
		state:     state,
		params:    params,
		transport: transport,
		sleep:     sleepCtx,
		randFloat: rand.Float64,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Execute performs one proactive poke decision.
func (a *Action) Execute(ctx context.Context, req Request) poke.Outcome {
	if req.TargetID == 0 {
		return poke.Outcome{OK: false, Reason: "cannot resolve the poke target"}
	}

	cooldown := a.params.Resolve().BackPokeCooldown
	if !a.state.CanPokeBack(cooldown) {
		return poke.Outcome{OK: true, Reason: "poke still cooling down"}
	}

	switch req.Case {
	case CaseRequest:
		if err := a.deliver(ctx, req); err != nil {
			return poke.Outcome{OK: false, Reason: fmt.Sprintf("requested poke failed: %v", err)}
		}
		return poke.Outcome{OK: true, Reason: "poked them as requested"}
	case CaseJoke:
		if a.randFloat() >= jokeProbability {
			return poke.Outcome{OK: true, Reason: "decided not to joke this time"}
		}
		if err := a.deliver(ctx, req); err != nil {
			return poke.Outcome{OK: false, Reason: fmt.Sprintf("joke poke failed: %v", err)}
		}
		return poke.Outcome{OK: true, Reason: "poked them for fun"}
	default:
		return poke.Outcome{OK: false, Reason: fmt.Sprintf("unknown case %q", req.Case)}
	}
}

// AutonomyTick runs on the heartbeat schedule and may tease the most recent
// poker. It stays quiet while silent or when nobody poked recently.
func (a *Action) AutonomyTick(ctx context.Context) poke.Outcome {
	snap := a.state.Snapshot()
	if snap.Silent {
		return poke.Outcome{OK: true, Reason: "silent, no teasing"}
	}
	if snap.LastSource.UserID == 0 || snap.LastReceivedAt.IsZero() {
		return poke.Outcome{OK: true, Reason: "nobody to tease"}
	}
	if time.Since(snap.LastReceivedAt) > recentSourceWindow {
		return poke.Outcome{OK: true, Reason: "last poke is stale, letting it rest"}
	}

	out := a.Execute(ctx, Request{
		GroupID:  snap.LastSource.GroupID,
		TargetID: snap.LastSource.UserID,
		Case:     CaseJoke,
	})
	if out.OK {
		log.Printf("event=autonomy_tick group=%d target=%d reason=%q", snap.LastSource.GroupID, snap.LastSource.UserID, out.Reason)
	}
	return out
}

func (a *Action) deliver(ctx context.Context, req Request) error {
	if err := a.sleep(ctx, pokeDelay); err != nil {
		return err
	}
	if err := a.transport.SendPoke(ctx, req.GroupID, req.TargetID); err != nil {
		return err
	}
	a.state.MarkPokeBack()
	return nil
}

var activationKeywords = []string{"戳一戳", "戳戳", "戳一下", "戳了戳"}

// Match inspects a chat message for poke talk. Messages asking the bot to
// poke the sender become requests; other poke chatter is joke territory.
func Match(content string) (Case, bool) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", false
	}
	if strings.Contains(content, "戳我") {
		return CaseRequest, true
	}
	for _, kw := range activationKeywords {
		if strings.Contains(content, kw) {
			return CaseJoke, true
		}
	}
	return "", false
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
