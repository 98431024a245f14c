package statefile

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/ziggy-project/ziggy/build"
	"github.com/ziggy-project/ziggy/lib/filelock"
)

const archiveTimeFormat = "20060102T150405"

// FromTaskDir builds an INITIALIZED StateFile for the task working directory
// dir, using its name for the invariant part.
func FromTaskDir(dir string) (StateFile, error) {
	ip, err := ParseTaskDirName(filepath.Base(filepath.Clean(dir)))
	if err != nil {
		return StateFile{}, err
	}
	return New(ip, Initialized, 0), nil
}

// Persist writes sf into dir and archives any other state file of the same
// task.
func (sf StateFile) Persist(dir string) error {
	tmp, err := os.CreateTemp(dir, ".tmp-"+sf.InvariantPart.String()+"-")
	if err != nil {
		return xerrors.Errorf("creating state file %s: %w", sf.Name(), err)
	}
	if _, err := sf.Props.WriteTo(tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return xerrors.Errorf("writing state file %s: %w", sf.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return xerrors.Errorf("closing state file %s: %w", sf.Name(), err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, sf.Name())); err != nil {
		_ = os.Remove(tmp.Name())
		return xerrors.Errorf("publishing state file %s: %w", sf.Name(), err)
	}

	return sf.archiveOthers(dir)
}

// archiveOthers renames every file of this lineage except sf itself to
// old.<nameWithoutPrefix>.<timestamp>.<counter>.
func (sf StateFile) archiveOthers(dir string) error {
	matches, err := lineage(dir, sf.InvariantPart)
	if err != nil {
		return err
	}

	stamp := build.Clock.Now().Format(archiveTimeFormat)
	counter := 0
	var errs error
	for _, name := range matches {
		if name == sf.Name() {
			continue
		}
		archived := archivePrefix + strings.TrimPrefix(name, Prefix) + "." + stamp + "." + strconv.Itoa(counter)
		counter++
		if err := os.Rename(filepath.Join(dir, name), filepath.Join(dir, archived)); err != nil {
			errs = multierr.Append(errs, xerrors.Errorf("archiving %s: %w", name, err))
			continue
		}
		log.Warnw("archived stale state file", "dir", dir, "from", name, "to", archived)
	}
	return errs
}

// lineage lists the state file names in dir belonging to ip.
func lineage(dir string, ip InvariantPart) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, xerrors.Errorf("listing state files in %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		parsed, err := Parse(e.Name())
		if err != nil {
			continue
		}
		if parsed.InvariantPart == ip {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// FromDisk reads the unique on-disk state file for ip, properties included.
func FromDisk(dir string, ip InvariantPart) (StateFile, error) {
	matches, err := lineage(dir, ip)
	if err != nil {
		return StateFile{}, err
	}
	switch len(matches) {
	case 0:
		return StateFile{}, xerrors.Errorf("%s in %s: %w", ip, dir, ErrNotFound)
	case 1:
	default:
		return StateFile{}, xerrors.Errorf("%s in %s (%s): %w", ip, dir, strings.Join(matches, ", "), ErrAmbiguous)
	}

	sf, err := Parse(matches[0])
	if err != nil {
		return StateFile{}, err
	}

	f, err := os.Open(filepath.Join(dir, matches[0]))
	if err != nil {
		return StateFile{}, xerrors.Errorf("opening state file: %w", err)
	}
	defer f.Close() //nolint:errcheck

	props, err := ReadProperties(f)
	if err != nil {
		return StateFile{}, xerrors.Errorf("reading state file %s: %w", matches[0], err)
	}
	sf.Props = props
	return sf, nil
}

// Update publishes next in place of prev by renaming.
func Update(dir string, prev, next StateFile) error {
	if prev.Name() == next.Name() {
		log.Debugw("state file unchanged", "name", prev.Name())
		return nil
	}
	log.Infow("updating state", "from", prev.Name(), "to", next.Name())
	if err := os.Rename(filepath.Join(dir, prev.Name()), filepath.Join(dir, next.Name())); err != nil {
		return xerrors.Errorf("renaming state file %s: %w", prev.Name(), err)
	}
	return nil
}

// Transition runs a locked read-modify-rename of the state file for ip. The
// lock file lives in taskDir; fn receives the current on-disk value and
// returns the next one.
func Transition(ctx context.Context, dir, taskDir string, ip InvariantPart, fn func(StateFile) (StateFile, error)) (StateFile, error) {
	unlock, err := filelock.Lock(ctx, taskDir, filelock.StateFileLockName)
	if err != nil {
		return StateFile{}, xerrors.Errorf("locking state file for %s: %w", ip, err)
	}
	defer unlock.Release()

	return transitionLocked(dir, ip, fn)
}

// TryTransition is Transition without waiting; ok is false when another
// holder has the lock.
func TryTransition(dir, taskDir string, ip InvariantPart, fn func(StateFile) (StateFile, error)) (next StateFile, ok bool, err error) {
	unlock, ok, err := filelock.TryLock(taskDir, filelock.StateFileLockName)
	if err != nil || !ok {
		return StateFile{}, false, err
	}
	defer unlock.Release()

	next, err = transitionLocked(dir, ip, fn)
	return next, err == nil, err
}

func transitionLocked(dir string, ip InvariantPart, fn func(StateFile) (StateFile, error)) (StateFile, error) {
	prev, err := FromDisk(dir, ip)
	if err != nil {
		return StateFile{}, err
	}
	next, err := fn(prev)
	if err != nil {
		return StateFile{}, err
	}
	if next.InvariantPart != ip {
		return StateFile{}, xerrors.Errorf("transition changed the invariant part of %s", ip)
	}
	if err := Update(dir, prev, next); err != nil {
		return StateFile{}, err
	}
	if err := next.archiveOthers(dir); err != nil {
		log.Errorw("archiving stale state files", "task", ip, "error", err)
	}
	return next, nil
}

// SetStateAndPersist moves the task's state file to state under the blocking
// per-task lock.
func SetStateAndPersist(ctx context.Context, dir, taskDir string, ip InvariantPart, state State) (StateFile, error) {
	return Transition(ctx, dir, taskDir, ip, func(sf StateFile) (StateFile, error) {
		return sf.WithState(state), nil
	})
}

// Names lists every file in dir carrying the state file prefix, parsable or
// not. Archived files are excluded.
func Names(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, xerrors.Errorf("listing state files in %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), Prefix) {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

// List parses every state file in dir, skipping names that do not parse.
func List(dir string) ([]StateFile, error) {
	names, err := Names(dir)
	if err != nil {
		return nil, err
	}
	var out []StateFile
	for _, n := range names {
		sf, err := Parse(n)
		if err != nil {
			log.Debugw("skipping unparsable state file", "name", n)
			continue
		}
		out = append(out, sf)
	}
	return out, nil
}

// ListProcessing returns the state files in dir that are PROCESSING.
func ListProcessing(dir string) ([]StateFile, error) {
	all, err := List(dir)
	if err != nil {
		return nil, err
	}
	var out []StateFile
	for _, sf := range all {
		if sf.IsRunning() {
			out = append(out, sf)
		}
	}
	return out, nil
}
