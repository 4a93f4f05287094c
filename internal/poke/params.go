package poke

import (
	"fmt"
	"time"

	"github.com/sawako/antipoke/internal/config"
)

// SilenceParams is one escalation cycle's randomized trigger pair.
type SilenceParams struct {
	Duration  time.Duration
	Threshold int
}

// RandomSilenceParams samples a silence duration (whole seconds) and a poke
// threshold, both uniform and inclusive of their bounds. Callers own the
// min<=max contract; a violated contract is a configuration error, never a
// silent swap.
func RandomSilenceParams(intn func(n int) int, p config.Params) (SilenceParams, error) {
	minSec := int(p.MinSilence / time.Second)
	maxSec := int(p.MaxSilence / time.Second)
	if minSec > maxSec {
		return SilenceParams{}, fmt.Errorf("silence duration: %w", config.ErrInvalidBounds)
	}
	if p.MinPokeCount > p.MaxPokeCount {
		return SilenceParams{}, fmt.Errorf("poke count: %w", config.ErrInvalidBounds)
	}

	duration := time.Duration(minSec+intn(maxSec-minSec+1)) * time.Second
	threshold := p.MinPokeCount + intn(p.MaxPokeCount-p.MinPokeCount+1)
	return SilenceParams{Duration: duration, Threshold: threshold}, nil
}
