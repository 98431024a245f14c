package statefile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ziggy-project/ziggy/lib/filelock"
)

func setupDirs(t *testing.T, ip InvariantPart) (stateDir, taskDir string) {
	root := t.TempDir()
	stateDir = filepath.Join(root, "state-files")
	taskDir = filepath.Join(root, "task-data", ip.TaskDirName())
	require.NoError(t, os.MkdirAll(stateDir, 0755))
	require.NoError(t, os.MkdirAll(taskDir, 0755))
	return stateDir, taskDir
}

func TestPersistAndReadBack(t *testing.T) {
	ip := InvariantPart{InstanceID: 6, TaskID: 42, Module: "pa"}
	stateDir, _ := setupDirs(t, ip)

	sf := New(ip, Queued, 10)
	sf.SetQueueName("long")
	sf.SetActiveCoresPerNode(4)
	require.NoError(t, sf.Persist(stateDir))

	names, err := Names(stateDir)
	require.NoError(t, err)
	require.Equal(t, []string{"ziggy.6.42.pa.QUEUED_10-0-0"}, names)

	b, err := os.ReadFile(filepath.Join(stateDir, sf.Name()))
	require.NoError(t, err)
	require.Equal(t, "activeCoresPerNode = 4\nqueueName = long\n", string(b))

	got, err := FromDisk(stateDir, ip)
	require.NoError(t, err)
	require.True(t, sf.Equal(got))
	require.Equal(t, "long", got.QueueName())
	require.Equal(t, 4, got.ActiveCoresPerNode())
}

func TestPersistArchivesStaleFiles(t *testing.T) {
	ip := InvariantPart{InstanceID: 6, TaskID: 42, Module: "pa"}
	stateDir, _ := setupDirs(t, ip)

	other := New(InvariantPart{InstanceID: 6, TaskID: 43, Module: "pa"}, Queued, 1)
	require.NoError(t, other.Persist(stateDir))

	require.NoError(t, os.WriteFile(filepath.Join(stateDir, "ziggy.6.42.pa.PROCESSING_10-3-0"), []byte("a = b\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, "ziggy.6.42.pa.COMPLETE_10-10-0"), []byte("a = b\n"), 0644))

	sf := New(ip, Queued, 10)
	sf.SetQueueName("q")
	require.NoError(t, sf.Persist(stateDir))

	names, err := Names(stateDir)
	require.NoError(t, err)
	require.Equal(t, []string{sf.Name(), other.Name()}, names)

	entries, err := os.ReadDir(stateDir)
	require.NoError(t, err)
	var archived []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "old.") {
			archived = append(archived, e.Name())
		}
	}
	require.Len(t, archived, 2)
	for _, a := range archived {
		require.True(t, strings.HasPrefix(a, "old.6.42.pa."), a)
	}
}

func TestFromDiskErrors(t *testing.T) {
	ip := InvariantPart{InstanceID: 1, TaskID: 2, Module: "m"}
	stateDir, _ := setupDirs(t, ip)

	_, err := FromDisk(stateDir, ip)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, os.WriteFile(filepath.Join(stateDir, "ziggy.1.2.m.QUEUED_1-0-0"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, "ziggy.1.2.m.PROCESSING_1-0-0"), nil, 0644))
	_, err = FromDisk(stateDir, ip)
	require.ErrorIs(t, err, ErrAmbiguous)

	// module names sharing a prefix belong to different lineages
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, "ziggy.1.2.mx.QUEUED_1-0-0"), nil, 0644))
	got, err := FromDisk(stateDir, InvariantPart{InstanceID: 1, TaskID: 2, Module: "mx"})
	require.NoError(t, err)
	require.Equal(t, Queued, got.State)
}

func TestSetStateAndPersist(t *testing.T) {
	ip := InvariantPart{InstanceID: 6, TaskID: 42, Module: "pa"}
	stateDir, taskDir := setupDirs(t, ip)

	sf := New(ip, Queued, 10)
	sf.SetExecutableName("pa")
	require.NoError(t, sf.Persist(stateDir))

	next, err := SetStateAndPersist(context.Background(), stateDir, taskDir, ip, Processing)
	require.NoError(t, err)
	require.Equal(t, Processing, next.State)
	require.Equal(t, "pa", next.ExecutableName())

	names, err := Names(stateDir)
	require.NoError(t, err)
	require.Equal(t, []string{"ziggy.6.42.pa.PROCESSING_10-0-0"}, names)

	got, err := FromDisk(stateDir, ip)
	require.NoError(t, err)
	require.Equal(t, "pa", got.ExecutableName())

	running, err := ListProcessing(stateDir)
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.True(t, running[0].Equal(next))
}

func TestTransitionsSerialize(t *testing.T) {
	ip := InvariantPart{InstanceID: 1, TaskID: 1, Module: "m"}
	stateDir, taskDir := setupDirs(t, ip)
	require.NoError(t, New(ip, Processing, 8).Persist(stateDir))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Transition(context.Background(), stateDir, taskDir, ip, func(sf StateFile) (StateFile, error) {
				return sf.WithCounts(sf.NumTotal, sf.NumComplete+1, sf.NumFailed), nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := FromDisk(stateDir, ip)
	require.NoError(t, err)
	require.Equal(t, 8, got.NumComplete)
}

func TestTryTransitionContended(t *testing.T) {
	ip := InvariantPart{InstanceID: 1, TaskID: 1, Module: "m"}
	stateDir, taskDir := setupDirs(t, ip)
	require.NoError(t, New(ip, Queued, 2).Persist(stateDir))

	held, ok, err := filelock.TryLock(taskDir, filelock.StateFileLockName)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = TryTransition(stateDir, taskDir, ip, func(sf StateFile) (StateFile, error) {
		return sf.WithState(Processing), nil
	})
	require.NoError(t, err)
	require.False(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = SetStateAndPersist(ctx, stateDir, taskDir, ip, Processing)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	held.Release()

	next, ok, err := TryTransition(stateDir, taskDir, ip, func(sf StateFile) (StateFile, error) {
		return sf.WithState(Processing), nil
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, next.IsRunning())
}
