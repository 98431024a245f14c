package alerting

import (
	"encoding/json"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"

	"github.com/ziggy-project/ziggy/journal"
	"github.com/ziggy-project/ziggy/journal/mockjournal"
)

func TestAlerting(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	j := mockjournal.NewMockJournal(mockCtrl)

	a := NewAlertingSystem(j)

	j.EXPECT().RegisterEventType("s1", "b1").Return(journal.EventType{System: "s1", Event: "b1"})
	al1 := a.AddAlertType("s1", "b1")

	j.EXPECT().RegisterEventType("s2", "b2").Return(journal.EventType{System: "s2", Event: "b2"})
	al2 := a.AddAlertType("s2", "b2")

	l := a.GetAlerts()
	require.Len(t, l, 2)
	require.Equal(t, al1, l[0].Type)
	require.Equal(t, al2, l[1].Type)

	for _, alert := range l {
		require.False(t, alert.Active)
		require.Nil(t, alert.LastActive)
		require.Nil(t, alert.LastResolved)
	}

	j.EXPECT().RecordEvent(a.alerts[al1].journalType, gomock.Any())
	a.Raise(al1, "test")

	for _, alert := range l { // check for no magic mutations
		require.False(t, alert.Active)
		require.Nil(t, alert.LastActive)
		require.Nil(t, alert.LastResolved)
	}

	l = a.GetAlerts()
	require.Len(t, l, 2)
	require.Equal(t, al1, l[0].Type)
	require.Equal(t, al2, l[1].Type)

	require.True(t, l[0].Active)
	require.NotNil(t, l[0].LastActive)
	require.Equal(t, "raised", l[0].LastActive.Type)
	require.Equal(t, json.RawMessage(`"test"`), l[0].LastActive.Message)
	require.Nil(t, l[0].LastResolved)

	require.False(t, l[1].Active)
	require.Nil(t, l[1].LastActive)
	require.Nil(t, l[1].LastResolved)
}

func TestBroadcastKeepsTaskHistory(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()
	j := mockjournal.NewMockJournal(mockCtrl)

	a := NewAlertingSystem(j)

	j.EXPECT().RegisterEventType("algorithm-monitor", "task").
		Return(journal.EventType{System: "algorithm-monitor", Event: "task"}).Times(1)
	j.EXPECT().RecordEvent(gomock.Any(), gomock.Any()).Times(2)

	a.Broadcast("algorithm-monitor", 12, SeverityError, "Task ERROR")
	at := AlertType{System: "algorithm-monitor", Subsystem: "task"}
	require.True(t, a.IsRaised(at))

	a.Broadcast("algorithm-monitor", 12, SeverityInfo, "Task COMPLETE")
	require.False(t, a.IsRaised(at))

	h := a.TaskAlerts(12)
	require.Len(t, h, 2)
	require.Equal(t, SeverityError, h[0].Severity)
	require.Equal(t, "Task ERROR", h[0].Message)
	require.Equal(t, SeverityInfo, h[1].Severity)
	require.Empty(t, a.TaskAlerts(13))
}
