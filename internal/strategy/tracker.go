// tracker.go implements the optional trailing-stop and partial-close exit
// logic the advanced scalping strategy composes in.
package strategy

import (
	"fmt"

	"autocoin/internal/config"
)

// slice is one partial-close tranche of an entered position.
type slice struct {
	volume float64
	closed bool
}

// exitTracker follows a long position's high-water mark for the trailing
// stop and walks the partial-close ladder. It is armed on the entry fill
// and discarded when the position flattens.
type exitTracker struct {
	params config.StrategyParams

	highest        float64
	trailingActive bool
	trailingStop   float64

	slices    []slice
	nextLevel int
	remaining float64
}

func newExitTracker(params config.StrategyParams) *exitTracker {
	return &exitTracker{params: params}
}

// enabled reports whether either exit mechanism is configured on.
func (t *exitTracker) enabled() bool {
	return t.params.TrailingStopEnabled || t.params.PartialCloseEnabled
}

// setup arms the tracker for a freshly entered position.
func (t *exitTracker) setup(entryPrice, volume float64) {
	t.highest = entryPrice
	t.trailingActive = false
	t.trailingStop = 0
	t.slices = nil
	t.nextLevel = 0
	t.remaining = volume

	if t.params.PartialCloseEnabled {
		t.slices = make([]slice, len(t.params.PartialCloseRatios))
		allocated := 0.0
		for i, ratio := range t.params.PartialCloseRatios {
			if i == len(t.params.PartialCloseRatios)-1 {
				// Last slice absorbs rounding so the slices sum exactly.
				t.slices[i] = slice{volume: volume - allocated}
			} else {
				v := volume * ratio
				t.slices[i] = slice{volume: v}
				allocated += v
			}
		}
	}
}

// remainingVolume returns the volume not yet released by partial closes.
func (t *exitTracker) remainingVolume() float64 { return t.remaining }

// checkTrailing updates the trailing state with the current price and
// reports whether the stop fired. The stop price only ever ratchets up.
func (t *exitTracker) checkTrailing(current, entry float64) (float64, string, bool) {
	if !t.params.TrailingStopEnabled || entry <= 0 {
		return 0, "", false
	}

	if current > t.highest {
		t.highest = current
	}

	gainPct := (current - entry) / entry * 100
	if !t.trailingActive && gainPct >= t.params.TrailingActivationPct {
		t.trailingActive = true
	}
	if !t.trailingActive {
		return 0, "", false
	}

	stop := t.highest * (1 - t.params.TrailingStopPct/100)
	if stop > t.trailingStop {
		t.trailingStop = stop
	}

	if current <= t.trailingStop {
		reason := fmt.Sprintf("trailing_stop: price %.2f <= stop %.2f (high %.2f)",
			current, t.trailingStop, t.highest)
		return t.remaining, reason, true
	}
	return 0, "", false
}

// checkPartial reports whether the next ladder level is reached, returning
// that slice's volume. Levels close strictly in order.
func (t *exitTracker) checkPartial(gainPct float64) (float64, string, bool) {
	if !t.params.PartialCloseEnabled {
		return 0, "", false
	}
	if t.nextLevel >= len(t.params.PartialCloseLevels) || t.nextLevel >= len(t.slices) {
		return 0, "", false
	}

	level := t.params.PartialCloseLevels[t.nextLevel]
	if gainPct < level {
		return 0, "", false
	}

	s := &t.slices[t.nextLevel]
	s.closed = true
	vol := s.volume
	t.remaining -= vol
	idx := t.nextLevel
	t.nextLevel++

	reason := fmt.Sprintf("partial_close: level %d at +%.2f%% (target %.2f%%)", idx+1, gainPct, level)
	return vol, reason, true
}
