package qube_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sneh-joshi/disqube/internal/qube"
)

// driveTo returns a machine that has reached target through legal moves.
func driveTo(t *testing.T, target qube.State) *qube.Machine {
	t.Helper()
	m, err := qube.NewMachine()
	require.NoError(t, err)

	paths := map[qube.State][]qube.Input{
		qube.StateInit:        nil,
		qube.StateOperative:   {{ItfReady: true}},
		qube.StateDiscovering: {{ItfReady: true, DiscoverFlag: true, IsMaster: true}},
		qube.StateMaintenance: {{ItfReady: true}, {ItfReady: true, Maintenance: true}},
		qube.StateShutdown:    {{Shutdown: true}},
	}
	for _, in := range paths[target] {
		m.Update(in)
	}
	require.Equal(t, target, m.Current())
	return m
}

func TestMachine_Transitions(t *testing.T) {
	cases := []struct {
		name string
		from qube.State
		in   qube.Input
		want qube.State
	}{
		{"master with discovery", qube.StateInit, qube.Input{ItfReady: true, DiscoverFlag: true, IsMaster: true}, qube.StateDiscovering},
		{"discovery disabled", qube.StateInit, qube.Input{ItfReady: true}, qube.StateOperative},
		{"worker ignores discover flag", qube.StateInit, qube.Input{ItfReady: true, DiscoverFlag: true}, qube.StateOperative},
		{"interfaces not ready", qube.StateInit, qube.Input{DiscoverFlag: true, IsMaster: true}, qube.StateInit},
		{"shutdown wins over ready", qube.StateInit, qube.Input{ItfReady: true, Shutdown: true}, qube.StateShutdown},
		{"worker found", qube.StateDiscovering, qube.Input{AnyWorker: true}, qube.StateOperative},
		{"still discovering", qube.StateDiscovering, qube.Input{IsMaster: true}, qube.StateDiscovering},
		{"maintenance requested", qube.StateOperative, qube.Input{Maintenance: true, AnyWorker: true}, qube.StateMaintenance},
		{"master lost workers", qube.StateOperative, qube.Input{IsMaster: true}, qube.StateDiscovering},
		{"worker without workers stays", qube.StateOperative, qube.Input{}, qube.StateOperative},
		{"maintenance lifted", qube.StateMaintenance, qube.Input{}, qube.StateOperative},
		{"maintenance held", qube.StateMaintenance, qube.Input{Maintenance: true}, qube.StateMaintenance},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := driveTo(t, tc.from)
			got, _ := m.Update(tc.in)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMachine_ShutdownFromAnyState(t *testing.T) {
	for _, s := range []qube.State{qube.StateInit, qube.StateDiscovering, qube.StateOperative, qube.StateMaintenance} {
		t.Run(s.String(), func(t *testing.T) {
			m := driveTo(t, s)
			got, changed := m.Update(qube.Input{Shutdown: true, ItfReady: true, Maintenance: true, AnyWorker: true})
			assert.True(t, changed)
			assert.Equal(t, qube.StateShutdown, got)
		})
	}
}

func TestMachine_ShutdownIsTerminal(t *testing.T) {
	m := driveTo(t, qube.StateShutdown)
	got, changed := m.Update(qube.Input{ItfReady: true})
	assert.False(t, changed)
	assert.Equal(t, qube.StateShutdown, got)
}

func TestMachine_IsReachable(t *testing.T) {
	m := driveTo(t, qube.StateOperative)
	assert.True(t, m.IsReachable(qube.StateMaintenance, qube.Input{Maintenance: true}))
	assert.False(t, m.IsReachable(qube.StateMaintenance, qube.Input{}))
	assert.True(t, m.CheckCurrentState(qube.Input{AnyWorker: true, IsMaster: true}))
}

func TestState_String(t *testing.T) {
	names := make([]string, 0, len(qube.States()))
	for _, s := range qube.States() {
		names = append(names, s.String())
	}
	assert.Equal(t, []string{"INIT", "DISCOVERING", "OPERATIVE", "MAINTENANCE", "SHUTDOWN"}, names)
	assert.Equal(t, "STATE(9)", qube.State(9).String())
}
