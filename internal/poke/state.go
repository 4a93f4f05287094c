package poke

import (
	"sync"
	"time"
)

// Source identifies where the latest poke came from.
type Source struct {
	GroupID int64
	UserID  int64
}

// State is the single shared poke record. Every field is guarded by one
// mutex; composite updates (count plus timestamp, silence check plus reset)
// happen inside a single critical section so concurrent event handlers and
// the decay loop never observe a torn update.
type State struct {
	mu  sync.Mutex
	now func() time.Time

	pokeCount        int
	silent           bool
	silenceStartedAt time.Time
	silenceDuration  time.Duration
	pokeThreshold    int
	lastPokeAt       time.Time
	lastReceivedAt   time.Time
	lastPokeBackAt   time.Time
	lastSource       Source
}

type StateOption func(*State)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) StateOption {
	return func(s *State) {
		if now != nil {
			s.now = now
		}
	}
}

func NewState(opts ...StateOption) *State {
	s := &State{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Snapshot is a point-in-time copy of the record, for logging and the
// autonomy tick.
type Snapshot struct {
	PokeCount        int
	Silent           bool
	SilenceStartedAt time.Time
	SilenceDuration  time.Duration
	PokeThreshold    int
	LastPokeAt       time.Time
	LastReceivedAt   time.Time
	LastPokeBackAt   time.Time
	LastSource       Source
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		PokeCount:        s.pokeCount,
		Silent:           s.silent,
		SilenceStartedAt: s.silenceStartedAt,
		SilenceDuration:  s.silenceDuration,
		PokeThreshold:    s.pokeThreshold,
		LastPokeAt:       s.lastPokeAt,
		LastReceivedAt:   s.lastReceivedAt,
		LastPokeBackAt:   s.lastPokeBackAt,
		LastSource:       s.lastSource,
	}
}

// Increment bumps the counter and stamps the poke time as one atomic update.
// It returns the new count.
func (s *State) Increment() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pokeCount++
	s.lastPokeAt = s.now()
	return s.pokeCount
}

// DecrementIfIdle lowers the counter by one, floored at zero, when the agent
// is not silent, the counter is positive, and no poke has landed for at least
// interval. It reports whether a decrement happened and the resulting count.
func (s *State) DecrementIfIdle(interval time.Duration) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.silent || s.pokeCount == 0 {
		return s.pokeCount, false
	}
	if s.now().Sub(s.lastPokeAt) < interval {
		return s.pokeCount, false
	}
	s.pokeCount--
	if s.pokeCount < 0 {
		s.pokeCount = 0
	}
	return s.pokeCount, true
}

// ReleaseSilenceIfElapsed lazily exits silence mode. It returns
// (released, stillSilent); the counter is reset exactly when silence lifts.
func (s *State) ReleaseSilenceIfElapsed() (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.silent {
		return false, false
	}
	if s.now().Sub(s.silenceStartedAt) > s.silenceDuration {
		s.silent = false
		s.pokeCount = 0
		return true, false
	}
	return false, true
}

// CanPokeBack reports whether the back-poke cooldown has elapsed. A zero
// lastPokeBackAt means the agent has never poked and may do so freely.
func (s *State) CanPokeBack(cooldown time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastPokeBackAt.IsZero() {
		return true
	}
	return s.now().Sub(s.lastPokeBackAt) >= cooldown
}

// MarkPokeBack stamps the time of an outbound poke.
func (s *State) MarkPokeBack() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPokeBackAt = s.now()
}

// InsensitiveOrMark reports whether the poke landed inside the insensitivity
// window measured from the previous receive. Outside the window it stamps the
// receive time and remembers the source, so the check always precedes the
// update.
func (s *State) InsensitiveOrMark(window time.Duration, src Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastReceivedAt.IsZero() && s.now().Sub(s.lastReceivedAt) < window {
		return true
	}
	s.lastReceivedAt = s.now()
	s.lastSource = src
	return false
}

// EscalateIfThresholdReached generates the trigger pair on first use, then
// escalates into silence when the counter has reached the threshold. On
// escalation the next cycle's pair is generated immediately so it is ready
// before it is needed. gen runs under the state lock and must not block.
func (s *State) EscalateIfThresholdReached(gen func() (SilenceParams, error)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pokeThreshold == 0 {
		sp, err := gen()
		if err != nil {
			return false, err
		}
		s.silenceDuration = sp.Duration
		s.pokeThreshold = sp.Threshold
	}
	if s.pokeCount < s.pokeThreshold {
		return false, nil
	}
	s.silent = true
	s.silenceStartedAt = s.now()
	sp, err := gen()
	if err != nil {
		return true, err
	}
	s.silenceDuration = sp.Duration
	s.pokeThreshold = sp.Threshold
	return true, nil
}
