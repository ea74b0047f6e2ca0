// merger.go fans per-symbol tick streams into one unified channel.
//
// Both feeds publish into per-symbol buffers; the merger drains them
// round-robin into the unified output the engine tees to the indicator
// worker and the trader. Everything is non-blocking: a full per-symbol
// buffer or a full output channel drops the oldest tick, never the writer.
package market

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"autocoin/pkg/types"
)

const (
	symbolBufferSize  = 256
	unifiedBufferSize = 1024
	mergerIdleSleep   = 5 * time.Millisecond
)

// Merger owns the per-symbol buffers and the unified output channel.
type Merger struct {
	mu     sync.RWMutex
	inputs map[string]chan types.Tick

	out    chan types.Tick
	logger *slog.Logger
}

// NewMerger creates an empty merger. Symbols are registered via SetSymbols.
func NewMerger(logger *slog.Logger) *Merger {
	return &Merger{
		inputs: make(map[string]chan types.Tick),
		out:    make(chan types.Tick, unifiedBufferSize),
		logger: logger.With("component", "merger"),
	}
}

// Ticks returns the unified output channel.
func (m *Merger) Ticks() <-chan types.Tick { return m.out }

// SetSymbols reconciles the per-symbol buffers with the new set. Buffers for
// removed symbols are dropped along with any ticks still queued in them.
func (m *Merger) SetSymbols(symbols []string) {
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for s := range m.inputs {
		if !want[s] {
			delete(m.inputs, s)
		}
	}
	for s := range want {
		if _, ok := m.inputs[s]; !ok {
			m.inputs[s] = make(chan types.Tick, symbolBufferSize)
		}
	}
}

// Publish routes a tick into its symbol's buffer. Ticks for untracked
// symbols are dropped; a full buffer drops its oldest tick to make room.
// The lock is held across the drop-and-resend so two feeds publishing the
// same symbol cannot race each other into dropping the incoming tick.
func (m *Merger) Publish(tick types.Tick) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.inputs[tick.Symbol]
	if !ok {
		return
	}

	select {
	case ch <- tick:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- tick:
		default:
		}
	}
}

// Run drains the per-symbol buffers into the unified channel until ctx is
// cancelled. A pass that moves nothing sleeps briefly to bound CPU.
func (m *Merger) Run(ctx context.Context) {
	m.logger.Info("merger started")
	for {
		if ctx.Err() != nil {
			m.logger.Info("merger stopped")
			return
		}

		moved := 0
		m.mu.RLock()
		channels := make([]chan types.Tick, 0, len(m.inputs))
		for _, ch := range m.inputs {
			channels = append(channels, ch)
		}
		m.mu.RUnlock()

		for _, ch := range channels {
		drain:
			for {
				select {
				case tick := <-ch:
					m.forward(tick)
					moved++
				default:
					break drain
				}
			}
		}

		if moved == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(mergerIdleSleep):
			}
		}
	}
}

// forward puts a tick on the unified channel, dropping the oldest queued
// tick when full.
func (m *Merger) forward(tick types.Tick) {
	select {
	case m.out <- tick:
		return
	default:
	}
	select {
	case <-m.out:
	default:
	}
	select {
	case m.out <- tick:
	default:
	}
}
