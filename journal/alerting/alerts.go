package alerting

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/ziggy-project/ziggy/build"
	"github.com/ziggy-project/ziggy/journal"
)

var log = logging.Logger("alerting")

// Alerting provides simple stateful alert system. Consumers can register alerts,
// which can be raised and resolved.
//
// When an alert is raised or resolved, a related journal entry is recorded.
type Alerting struct {
	j journal.Journal

	lk     sync.Mutex
	alerts map[AlertType]Alert

	history    map[uint64][]TaskAlert
	maxHistory int
}

// AlertType is a unique alert identifier
type AlertType struct {
	System, Subsystem string
}

// AlertEvent contains information about alert state transition
type AlertEvent struct {
	Type    string // either 'raised' or 'resolved'
	Message json.RawMessage
	Time    time.Time
}

type Alert struct {
	Type   AlertType
	Active bool

	LastActive   *AlertEvent // NOTE: pointer for nullability, don't mutate the referenced object!
	LastResolved *AlertEvent

	journalType journal.EventType
}

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityInfo:     "INFO",
	SeverityWarning:  "WARNING",
	SeverityError:    "ERROR",
	SeverityCritical: "CRITICAL",
}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// TaskAlert is an operator notification about a pipeline task.
type TaskAlert struct {
	Source   string
	TaskID   uint64
	Severity Severity
	Message  string
	Time     time.Time
}

func NewAlertingSystem(j journal.Journal) *Alerting {
	return &Alerting{
		j: j,

		alerts:     map[AlertType]Alert{},
		history:    map[uint64][]TaskAlert{},
		maxHistory: 64,
	}
}

func (a *Alerting) AddAlertType(system, subsystem string) AlertType {
	a.lk.Lock()
	defer a.lk.Unlock()

	return a.addAlertType(system, subsystem)
}

func (a *Alerting) addAlertType(system, subsystem string) AlertType {
	at := AlertType{
		System:    system,
		Subsystem: subsystem,
	}

	if _, exists := a.alerts[at]; exists {
		return at
	}

	et := a.j.RegisterEventType(system, subsystem)

	a.alerts[at] = Alert{
		Type:        at,
		Active:      false,
		journalType: et,
	}

	return at
}

func (a *Alerting) update(at AlertType, message interface{}, upd func(Alert, json.RawMessage) Alert) {
	a.lk.Lock()
	defer a.lk.Unlock()

	a.updateLocked(at, message, upd)
}

func (a *Alerting) updateLocked(at AlertType, message interface{}, upd func(Alert, json.RawMessage) Alert) {
	alert, ok := a.alerts[at]
	if !ok {
		log.Errorw("unknown alert", "type", at, "message", message)
		return
	}

	rawMsg, err := json.Marshal(message)
	if err != nil {
		log.Errorw("marshaling alert message failed", "type", at, "error", err)
		rawMsg, err = json.Marshal(&struct {
			AlertError string
		}{
			AlertError: err.Error(),
		})
		log.Errorw("marshaling marshaling error failed", "type", at, "error", err)
	}

	a.alerts[at] = upd(alert, rawMsg)
}

// Raise marks the alert condition as active and records related event in the journal
func (a *Alerting) Raise(at AlertType, message interface{}) {
	log.Errorw("alert raised", "type", at, "message", message)

	a.update(at, message, func(alert Alert, rawMsg json.RawMessage) Alert {
		alert.Active = true
		alert.LastActive = &AlertEvent{
			Type:    "raised",
			Message: rawMsg,
			Time:    build.Clock.Now(),
		}

		a.j.RecordEvent(alert.journalType, func() interface{} {
			return alert.LastActive
		})

		return alert
	})
}

// Resolve marks the alert condition as resolved and records related event in the journal
func (a *Alerting) Resolve(at AlertType, message interface{}) {
	log.Errorw("alert resolved", "type", at, "message", message)

	a.update(at, message, func(alert Alert, rawMsg json.RawMessage) Alert {
		alert.Active = false
		alert.LastResolved = &AlertEvent{
			Type:    "resolved",
			Message: rawMsg,
			Time:    build.Clock.Now(),
		}

		a.j.RecordEvent(alert.journalType, func() interface{} {
			return alert.LastResolved
		})

		return alert
	})
}

// Broadcast publishes a task alert. The alert type for source is registered on
// first use; warnings and above leave it raised, info messages resolve it.
func (a *Alerting) Broadcast(source string, taskID uint64, sev Severity, msg string) {
	ta := TaskAlert{
		Source:   source,
		TaskID:   taskID,
		Severity: sev,
		Message:  msg,
		Time:     build.Clock.Now(),
	}

	switch sev {
	case SeverityInfo:
		log.Infow("task alert", "source", source, "taskId", taskID, "message", msg)
	case SeverityWarning:
		log.Warnw("task alert", "source", source, "taskId", taskID, "message", msg)
	default:
		log.Errorw("task alert", "source", source, "taskId", taskID, "severity", sev, "message", msg)
	}

	a.lk.Lock()
	defer a.lk.Unlock()

	h := append(a.history[taskID], ta)
	if len(h) > a.maxHistory {
		h = h[len(h)-a.maxHistory:]
	}
	a.history[taskID] = h

	at := a.addAlertType(source, "task")
	a.updateLocked(at, ta, func(alert Alert, rawMsg json.RawMessage) Alert {
		evt := &AlertEvent{
			Message: rawMsg,
			Time:    ta.Time,
		}
		if sev == SeverityInfo {
			evt.Type = "resolved"
			alert.Active = false
			alert.LastResolved = evt
		} else {
			evt.Type = "raised"
			alert.Active = true
			alert.LastActive = evt
		}

		a.j.RecordEvent(alert.journalType, func() interface{} {
			return evt
		})

		return alert
	})
}

// TaskAlerts returns the most recent alerts broadcast for taskID, oldest first.
func (a *Alerting) TaskAlerts(taskID uint64) []TaskAlert {
	a.lk.Lock()
	defer a.lk.Unlock()

	return append([]TaskAlert(nil), a.history[taskID]...)
}

// GetAlerts returns all registered (active and inactive) alerts
func (a *Alerting) GetAlerts() []Alert {
	a.lk.Lock()
	defer a.lk.Unlock()

	out := make([]Alert, 0, len(a.alerts))
	for _, alert := range a.alerts {
		out = append(out, alert)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type.System != out[j].Type.System {
			return out[i].Type.System < out[j].Type.System
		}

		return out[i].Type.Subsystem < out[j].Type.Subsystem
	})

	return out
}

func (a *Alerting) IsRaised(at AlertType) bool {
	a.lk.Lock()
	defer a.lk.Unlock()

	return a.alerts[at].Active
}
