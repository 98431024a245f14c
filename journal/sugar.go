package journal

// MaybeRecordEvent records an event built by supplier when evtType is
// enabled. It is safe to call with a nil Journal or the NilJournal.
func MaybeRecordEvent(j Journal, evtType EventType, supplier func() interface{}) {
	if j == nil || j == nilj {
		return
	}
	if !evtType.Enabled() {
		return
	}
	j.RecordEvent(evtType, supplier)
}
