package fsjournal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ziggy-project/ziggy/journal"
)

func TestRecordAndReadBack(t *testing.T) {
	repo := t.TempDir()
	j, err := openFSJournal(repo, nil, 1<<20, 3)
	require.NoError(t, err)

	evt := j.RegisterEventType("task", "state")
	j.RecordEvent(evt, func() interface{} {
		return map[string]interface{}{"taskId": 7, "state": "COMPLETE"}
	})

	disabled := journal.NewEventTypeRegistry(journal.DisabledEvents{{System: "task", Event: "noise"}}).
		RegisterEventType("task", "noise")
	j.RecordEvent(disabled, func() interface{} { return "never" })

	require.NoError(t, j.Close())

	f, err := os.Open(filepath.Join(repo, "journal", currentName))
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.Len(t, lines, 1)

	var out struct {
		System string
		Event  string
		Data   map[string]interface{}
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &out))
	require.Equal(t, "task", out.System)
	require.Equal(t, "state", out.Event)
	require.Equal(t, "COMPLETE", out.Data["state"])
}

func TestRollingKeepsBoundedBackups(t *testing.T) {
	repo := t.TempDir()
	j, err := openFSJournal(repo, nil, 1, 2)
	require.NoError(t, err)

	// every write crosses the size limit and rolls the file
	for i := 0; i < 6; i++ {
		require.NoError(t, j.putEvent(&journal.Event{Data: i}))
		// distinct timestamps in rolled names
		j.fSize = 0
		require.NoError(t, j.rollJournalFile())
	}
	require.NoError(t, j.Close())

	entries, err := os.ReadDir(filepath.Join(repo, "journal"))
	require.NoError(t, err)
	var rolled int
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), rolledPrefix) {
			rolled++
		}
	}
	require.LessOrEqual(t, rolled, 2)
}

func TestOpenDefaults(t *testing.T) {
	j, err := OpenFSJournal(t.TempDir(), nil, 0, -1)
	require.NoError(t, err)
	fj := j.(*fsJournal)
	require.Equal(t, int64(DefaultMaxSize), fj.sizeLimit)
	require.Equal(t, DefaultMaxBackups, fj.keep)
	require.NoError(t, j.Close())

	j, err = OpenFSJournal(t.TempDir(), nil, 1<<10, 0)
	require.NoError(t, err)
	fj = j.(*fsJournal)
	require.Equal(t, int64(1<<10), fj.sizeLimit)
	require.Zero(t, fj.keep)
	require.NoError(t, j.Close())
}
