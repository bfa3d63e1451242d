package fsm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sneh-joshi/disqube/internal/fsm"
)

type light int

const (
	red light = iota
	green
	yellow
)

type signal struct {
	proceed, slow, stop bool
}

func newLights(t *testing.T) *fsm.Machine[light, signal] {
	t.Helper()
	r := fsm.NewState[light, signal](red, 2)
	g := fsm.NewState[light, signal](green, 2)
	y := fsm.NewState[light, signal](yellow, 1)

	require.NoError(t, r.AddTransition(green, func(s signal) bool { return s.proceed }))
	require.NoError(t, g.AddTransition(red, func(s signal) bool { return s.stop }))
	require.NoError(t, g.AddTransition(yellow, func(s signal) bool { return s.slow }))
	require.NoError(t, y.AddTransition(red, func(s signal) bool { return s.stop }))

	m, err := fsm.New(red, r, g, y)
	require.NoError(t, err)
	return m
}

func TestMachine_NoMatchStays(t *testing.T) {
	m := newLights(t)
	got, changed := m.Update(signal{})
	assert.False(t, changed)
	assert.Equal(t, red, got)
}

func TestMachine_FirstMatchWins(t *testing.T) {
	m := newLights(t)
	m.Update(signal{proceed: true})
	require.Equal(t, green, m.Current())

	// Both stop and slow hold; stop was registered first.
	got, changed := m.Update(signal{stop: true, slow: true})
	assert.True(t, changed)
	assert.Equal(t, red, got)
}

func TestMachine_OnTransition(t *testing.T) {
	m := newLights(t)
	var seen [][2]light
	m.OnTransition(func(from, to light) { seen = append(seen, [2]light{from, to}) })

	m.Update(signal{proceed: true})
	m.Update(signal{})
	m.Update(signal{slow: true})

	assert.Equal(t, [][2]light{{red, green}, {green, yellow}}, seen)
}

func TestMachine_IsReachable(t *testing.T) {
	m := newLights(t)
	assert.True(t, m.IsReachable(green, signal{proceed: true}))
	assert.False(t, m.IsReachable(yellow, signal{proceed: true}))
	assert.True(t, m.IsReachable(red, signal{}), "no match keeps the current state reachable")
	assert.True(t, m.CheckCurrentState(signal{stop: true}))
	assert.False(t, m.CheckCurrentState(signal{proceed: true}))
	assert.Equal(t, red, m.Current(), "queries must not move the machine")
}

func TestState_TransitionBudget(t *testing.T) {
	s := fsm.NewState[light, signal](red, 1)
	require.NoError(t, s.AddTransition(green, func(signal) bool { return true }))
	assert.ErrorIs(t, s.AddTransition(yellow, func(signal) bool { return true }), fsm.ErrTooManyTransitions)
}

func TestNew_UnknownTarget(t *testing.T) {
	r := fsm.NewState[light, signal](red, 1)
	require.NoError(t, r.AddTransition(green, func(signal) bool { return true }))
	_, err := fsm.New(red, r)
	assert.ErrorIs(t, err, fsm.ErrUnknownState)
}
