package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sawako/antipoke/internal/config"
	"github.com/sawako/antipoke/internal/dispatch"
	"github.com/sawako/antipoke/internal/generator"
	"github.com/sawako/antipoke/internal/heartbeat"
	"github.com/sawako/antipoke/internal/maypoke"
	"github.com/sawako/antipoke/internal/onebot"
	"github.com/sawako/antipoke/internal/poke"
)

const (
	eventHandleTimeout = 60 * time.Second
	maxLogMessageLen   = 120
)

func main() {
	configPath := flag.String("config", "runtime/config.yaml", "path to config yaml")
	flag.Parse()
	configureLogOutput(os.Stdout)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	params, err := config.NewProvider(*configPath)
	if err != nil {
		log.Printf("event=params_load_degraded path=%s err=%v", *configPath, err)
	}

	gen := generator.NewClient(generator.Config{
		BaseURL: cfg.Generator.BaseURL,
		APIKey:  cfg.Generator.APIKey,
		Model:   cfg.Generator.Model,
		HTTPClient: &http.Client{
			Timeout: time.Duration(cfg.Generator.TimeoutSec) * time.Second,
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	state := poke.NewState()
	decay := poke.NewDecayLoop(state, params)

	// The gateway needs an event handler and the handler needs the gateway
	// for API calls, so the policy pieces are assigned after construction.
	// The dispatcher only starts delivering once the gateway connects.
	var (
		gateway *onebot.Gateway
		policy  *poke.Policy
		action  *maypoke.Action
		runSeq  atomic.Uint64
	)

	dispatcher := dispatch.New(ctx, 128, func(ev onebot.Event, meta dispatch.CallbackMetadata) {
		runID := nextRunID(&runSeq, "ev")
		handleEvent(ctx, policy, action, gateway, ev, meta, runID)
	})

	gateway = onebot.NewGateway(cfg.OneBot, func(ev onebot.Event) {
		if dropped := dispatcher.Enqueue(ev); dropped {
			log.Printf("event=dispatch_queue_drop group=%d user=%d", ev.GroupID, ev.UserID)
		}
	})

	policy = poke.NewPolicy(ctx, cfg.OneBot.SelfID, state, decay, params, gateway, gen)
	if cfg.MayPoke.Enabled {
		action = maypoke.NewAction(state, params, gateway)
	}

	go func() {
		if err := params.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("event=config_watch_stopped path=%s err=%v", *configPath, err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := gateway.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
			stop()
		}
	}()

	if cfg.Heartbeat.Enabled && action != nil {
		runner, err := heartbeat.NewRunner(cfg.Heartbeat.Cron, cfg.Heartbeat.Timezone, func(runCtx context.Context) error {
			out := action.AutonomyTick(runCtx)
			if !out.OK {
				return errors.New(out.Reason)
			}
			return nil
		})
		if err != nil {
			log.Fatalf("init heartbeat runner: %v", err)
		}
		runner.Start(ctx)
	}

	log.Printf(
		"antipoke started: ws_url=%s self_id=%d groups=%d model=%s may_poke=%t heartbeat=%t",
		cfg.OneBot.WSURL,
		cfg.OneBot.SelfID,
		len(cfg.OneBot.GroupIDs),
		cfg.Generator.Model,
		cfg.MayPoke.Enabled,
		cfg.Heartbeat.Enabled,
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Printf("gateway stopped with error: %v", err)
		}
	}
	stop()
	log.Printf("event=shutdown_started")
	runShutdownStep("decay_loop_drain", 2*time.Second, func() {
		decay.Wait()
	})
	log.Printf("antipoke stopped")
}

func handleEvent(rootCtx context.Context, policy *poke.Policy, action *maypoke.Action, gateway *onebot.Gateway, ev onebot.Event, meta dispatch.CallbackMetadata, runID string) {
	ctx, cancel := context.WithTimeout(rootCtx, eventHandleTimeout)
	defer cancel()

	switch {
	case ev.IsPokeNotice():
		log.Printf("event=poke_received run_id=%s group=%d source=%d target=%d queue_wait_ms=%d enqueued_at=%s",
			runID, ev.GroupID, ev.UserID, ev.TargetID, durationMS(meta.QueueWait), meta.EnqueuedAt.UTC().Format(time.RFC3339Nano))

		name := ev.SenderName()
		if name == "" {
			resolved, err := gateway.MemberName(ctx, ev.GroupID, ev.UserID)
			if err != nil {
				log.Printf("event=member_name_lookup_failed run_id=%s group=%d user=%d err=%v", runID, ev.GroupID, ev.UserID, err)
			} else {
				name = resolved
			}
		}

		out := policy.HandlePoke(ctx, poke.Event{
			IsPoke:       true,
			GroupID:      ev.GroupID,
			SourceUserID: ev.UserID,
			TargetUserID: ev.TargetID,
			SourceName:   name,
		})
		logOutcome("poke_handled", runID, ev.GroupID, ev.UserID, out)

	case ev.IsGroupMessage():
		if action == nil {
			return
		}
		kase, ok := maypoke.Match(ev.RawMessage)
		if !ok {
			return
		}
		log.Printf("event=maypoke_triggered run_id=%s group=%d user=%d case=%s content=%q",
			runID, ev.GroupID, ev.UserID, kase, trimLogString(ev.RawMessage, maxLogMessageLen))

		out := action.Execute(ctx, maypoke.Request{
			GroupID:    ev.GroupID,
			TargetID:   ev.UserID,
			TargetName: ev.SenderName(),
			Case:       kase,
		})
		logOutcome("maypoke_handled", runID, ev.GroupID, ev.UserID, out)
	}
}

func logOutcome(event string, runID string, groupID int64, userID int64, out poke.Outcome) {
	if out.OK {
		log.Printf("event=%s run_id=%s group=%d user=%d reason=%q", event, runID, groupID, userID, out.Reason)
		return
	}
	log.Printf("event=%s_failed run_id=%s group=%d user=%d reason=%q", event, runID, groupID, userID, out.Reason)
}
