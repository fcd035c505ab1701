package integrity

import (
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// GestureKind names one observed input gesture from the rendering surface.
type GestureKind string

const (
	GestureWindowBlur     GestureKind = "window_blur"
	GestureContextMenu    GestureKind = "context_menu"
	GestureSelectionStart GestureKind = "selection_start"
	GestureDragStart      GestureKind = "drag_start"
	GestureKeyCombo       GestureKind = "key_combo"
)

// Gesture is one observed input event. Combo is set only for key combos,
// normalized as "ctrl+shift+i", "f12" and so on.
type Gesture struct {
	Kind  GestureKind
	Combo string
}

// Decision tells the caller what to do with the gesture's default action.
type Decision struct {
	// Suppress means the default action must be cancelled at the source.
	Suppress bool
	// Counted means the gesture incremented the violation count.
	Counted bool
}

// restrictedCombos are the key combinations suppressed while monitoring:
// developer tools, view-source, save, select-all, copy, cut, paste, print.
var restrictedCombos = map[string]bool{
	"f12":          true,
	"ctrl+shift+i": true,
	"ctrl+shift+j": true,
	"ctrl+shift+c": true,
	"ctrl+u":       true,
	"ctrl+s":       true,
	"ctrl+a":       true,
	"ctrl+c":       true,
	"ctrl+x":       true,
	"ctrl+v":       true,
	"ctrl+p":       true,
}

// Config holds configuration for the integrity monitor.
type Config struct {
	// Threshold is the violation count at which OnThresholdReached fires.
	// Default 3.
	Threshold int

	// OnThresholdReached reports threshold crossing. The monitor itself
	// never terminates anything; escalation belongs to the controller's own
	// counter, which has a different trigger surface.
	OnThresholdReached func(count int)
}

// Monitor observes input gestures while enabled, suppresses restricted
// ones, and counts window-blur events as violations. Disabling detaches the
// monitor without resetting the count; re-enabling resumes from it.
type Monitor struct {
	cfg Config

	mu         sync.Mutex
	enabled    bool
	violations int
}

// New creates a disabled monitor. Call Enable to attach it.
func New(cfg Config) *Monitor {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	return &Monitor{cfg: cfg}
}

// Enable attaches the monitor. The previously accumulated count carries
// over.
func (m *Monitor) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enabled {
		return
	}
	m.enabled = true
	log.Debug().Int("violations", m.violations).Msg("integrity monitor enabled")
}

// Disable detaches the monitor and restores default behavior for all
// gestures. The count is preserved.
func (m *Monitor) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		return
	}
	m.enabled = false
	log.Debug().Int("violations", m.violations).Msg("integrity monitor disabled")
}

// Enabled reports whether the monitor is attached.
func (m *Monitor) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// Violations returns the accumulated count. Monotonic for the monitor's
// lifetime; only a fresh monitor starts at zero.
func (m *Monitor) Violations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.violations
}

// Observe processes one gesture. While disabled it is a no-op that
// suppresses nothing. Only window blur counts as a violation; restricted
// gestures are suppressed whether or not anything is counted.
func (m *Monitor) Observe(g Gesture) Decision {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return Decision{}
	}

	switch g.Kind {
	case GestureWindowBlur:
		m.violations++
		count := m.violations
		threshold := m.cfg.Threshold
		fn := m.cfg.OnThresholdReached
		m.mu.Unlock()

		log.Warn().
			Int("violations", count).
			Int("threshold", threshold).
			Msg("window focus lost")
		if count >= threshold {
			log.Warn().Int("violations", count).Msg("violation threshold reached")
			if fn != nil {
				fn(count)
			}
		}
		return Decision{Counted: true}

	case GestureContextMenu, GestureSelectionStart, GestureDragStart:
		m.mu.Unlock()
		return Decision{Suppress: true}

	case GestureKeyCombo:
		m.mu.Unlock()
		combo := strings.ToLower(g.Combo)
		if restrictedCombos[combo] {
			log.Debug().Str("combo", combo).Msg("restricted key combo suppressed")
			return Decision{Suppress: true}
		}
		return Decision{}

	default:
		m.mu.Unlock()
		return Decision{}
	}
}
