package journal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDisabledEvents(t *testing.T) {
	evts, err := ParseDisabledEvents(" monitor:cycle , pipeline:state ")
	require.NoError(t, err)
	require.Len(t, evts, 2)
	require.Equal(t, "monitor", evts[0].System)
	require.Equal(t, "state", evts[1].Event)

	evts, err = ParseDisabledEvents("")
	require.NoError(t, err)
	require.Empty(t, evts)

	_, err = ParseDisabledEvents("monitor")
	require.Error(t, err)
}

func TestRegistryDisabled(t *testing.T) {
	reg := NewEventTypeRegistry(DisabledEvents{{System: "monitor", Event: "cycle"}})

	cycle := reg.RegisterEventType("monitor", "cycle")
	require.False(t, cycle.Enabled())

	alert := reg.RegisterEventType("alerts", "raised")
	require.True(t, alert.Enabled())
	require.Equal(t, alert, reg.RegisterEventType("alerts", "raised"))

	require.False(t, EventType{System: "x", Event: "y"}.Enabled(), "hand-built types are never enabled")
}

func TestMaybeRecordEventNil(t *testing.T) {
	called := false
	supplier := func() interface{} { called = true; return nil }

	MaybeRecordEvent(nil, EventType{}, supplier)
	MaybeRecordEvent(NilJournal(), EventType{}, supplier)
	require.False(t, called)
}
