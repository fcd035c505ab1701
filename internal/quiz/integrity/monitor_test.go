package integrity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisabledMonitorObservesNothing(t *testing.T) {
	m := New(Config{})

	d := m.Observe(Gesture{Kind: GestureWindowBlur})
	assert.False(t, d.Suppress)
	assert.False(t, d.Counted)
	assert.Equal(t, 0, m.Violations())

	d = m.Observe(Gesture{Kind: GestureKeyCombo, Combo: "f12"})
	assert.False(t, d.Suppress)
}

func TestBlurCountsAndThresholdReported(t *testing.T) {
	var reported []int
	m := New(Config{OnThresholdReached: func(count int) { reported = append(reported, count) }})
	m.Enable()

	for i := 0; i < 3; i++ {
		d := m.Observe(Gesture{Kind: GestureWindowBlur})
		assert.True(t, d.Counted)
		assert.False(t, d.Suppress) // focus loss cannot be cancelled
	}

	assert.Equal(t, 3, m.Violations())
	assert.Equal(t, []int{3}, reported)

	// Exceeding the threshold keeps reporting; nothing here terminates.
	m.Observe(Gesture{Kind: GestureWindowBlur})
	assert.Equal(t, []int{3, 4}, reported)
}

func TestRestrictedGesturesSuppressedWithoutCounting(t *testing.T) {
	m := New(Config{})
	m.Enable()

	for _, g := range []Gesture{
		{Kind: GestureContextMenu},
		{Kind: GestureSelectionStart},
		{Kind: GestureDragStart},
		{Kind: GestureKeyCombo, Combo: "F12"},
		{Kind: GestureKeyCombo, Combo: "ctrl+shift+i"},
		{Kind: GestureKeyCombo, Combo: "Ctrl+U"},
		{Kind: GestureKeyCombo, Combo: "ctrl+s"},
		{Kind: GestureKeyCombo, Combo: "ctrl+c"},
		{Kind: GestureKeyCombo, Combo: "ctrl+p"},
	} {
		d := m.Observe(g)
		assert.True(t, d.Suppress, "gesture %v should be suppressed", g)
		assert.False(t, d.Counted, "gesture %v should not count", g)
	}

	// Plain typing passes through.
	d := m.Observe(Gesture{Kind: GestureKeyCombo, Combo: "ctrl+z"})
	assert.False(t, d.Suppress)

	assert.Equal(t, 0, m.Violations())
}

func TestToggleKeepsCount(t *testing.T) {
	m := New(Config{})
	m.Enable()

	m.Observe(Gesture{Kind: GestureWindowBlur})
	m.Observe(Gesture{Kind: GestureWindowBlur})
	assert.Equal(t, 2, m.Violations())

	m.Disable()
	assert.False(t, m.Enabled())

	// Gestures while disabled neither count nor suppress.
	m.Observe(Gesture{Kind: GestureWindowBlur})
	assert.Equal(t, 2, m.Violations())

	m.Enable()
	m.Observe(Gesture{Kind: GestureWindowBlur})
	assert.Equal(t, 3, m.Violations())
}
