package taskdir

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/ziggy-project/ziggy/build"
)

// Event names a timestamp file, <EVENT>.<epochMillis>.
type Event string

const (
	ArriveComputeNodes Event = "ARRIVE_COMPUTE_NODES"
	QueuedEvent        Event = "QUEUED"
	Start              Event = "START"
	Finish             Event = "FINISH"
	SubtaskStart       Event = "SUBTASK_START"
	SubtaskFinish      Event = "SUBTASK_FINISH"
)

func millis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// WriteTimestamp records event at t in dir. Earlier files for the same event
// are replaced.
func WriteTimestamp(dir string, event Event, t time.Time) error {
	if err := deleteTimestamps(dir, event); err != nil {
		return err
	}
	name := string(event) + "." + strconv.FormatInt(millis(t), 10)
	if err := touch(filepath.Join(dir, name)); err != nil {
		return xerrors.Errorf("writing %s timestamp: %w", event, err)
	}
	return nil
}

// WriteTimestampNow records event at the current time.
func WriteTimestampNow(dir string, event Event) error {
	return WriteTimestamp(dir, event, build.Clock.Now())
}

// WriteTimestampMillis records event at epochMillis; negative values are
// ignored.
func WriteTimestampMillis(dir string, event Event, epochMillis int64) error {
	if epochMillis < 0 {
		log.Debugw("no time for timestamp", "dir", dir, "event", event)
		return nil
	}
	return WriteTimestamp(dir, event, time.Unix(0, epochMillis*int64(time.Millisecond)))
}

// ReadTimestamp returns the recorded time of event in dir.
func ReadTimestamp(dir string, event Event) (time.Time, bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return time.Time{}, false, xerrors.Errorf("reading timestamps in %s: %w", dir, err)
	}
	var latest int64 = -1
	for _, e := range entries {
		ms, ok := parseTimestamp(e.Name(), event)
		if ok && ms > latest {
			latest = ms
		}
	}
	if latest < 0 {
		return time.Time{}, false, nil
	}
	return time.Unix(0, latest*int64(time.Millisecond)), true, nil
}

// Elapsed returns the time between two recorded events.
func Elapsed(dir string, from, to Event) (time.Duration, bool, error) {
	start, ok, err := ReadTimestamp(dir, from)
	if err != nil || !ok {
		return 0, false, err
	}
	end, ok, err := ReadTimestamp(dir, to)
	if err != nil || !ok {
		return 0, false, err
	}
	return end.Sub(start), true, nil
}

func parseTimestamp(name string, event Event) (int64, bool) {
	prefix := string(event) + "."
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	ms, err := strconv.ParseInt(name[len(prefix):], 10, 64)
	if err != nil {
		return 0, false
	}
	return ms, true
}

func deleteTimestamps(dir string, event Event) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return xerrors.Errorf("reading timestamps in %s: %w", dir, err)
	}
	for _, e := range entries {
		if _, ok := parseTimestamp(e.Name(), event); ok {
			if err := remove(filepath.Join(dir, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}
