// Package taskdir reads and writes the zero-length marker, timestamp and
// job-info files that record progress inside task and subtask working
// directories.
package taskdir

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"
)

var log = logging.Logger("taskdir")

type SubtaskState int

const (
	StateNone SubtaskState = iota
	StateProcessing
	StateComplete
	StateFailed
	// StateInvalid is reported when more than one marker is present.
	StateInvalid
)

var stateNames = map[SubtaskState]string{
	StateNone:       "NULL",
	StateProcessing: "PROCESSING",
	StateComplete:   "COMPLETE",
	StateFailed:     "FAILED",
	StateInvalid:    "INVALID",
}

func (s SubtaskState) String() string {
	return stateNames[s]
}

const (
	ProcessingMarker = ".PROCESSING"
	CompleteMarker   = ".COMPLETE"
	FailedMarker     = ".FAILED"
	HasOutputsMarker = ".HAS_OUTPUTS"

	legacyProcessingMarker = ".IN_PROGRESS"
	legacyOutputsMarker    = ".HAS_RESULTS"
)

// robustExists opens the file rather than stat'ing it so that NFS attribute
// caches do not report a stale answer.
func robustExists(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

func remove(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// CurrentState reads the markers in dir.
func CurrentState(dir string) SubtaskState {
	current := StateNone
	if robustExists(filepath.Join(dir, ProcessingMarker)) || robustExists(filepath.Join(dir, legacyProcessingMarker)) {
		current = StateProcessing
	}
	for _, m := range []struct {
		name  string
		state SubtaskState
	}{
		{CompleteMarker, StateComplete},
		{FailedMarker, StateFailed},
	} {
		if !robustExists(filepath.Join(dir, m.name)) {
			continue
		}
		if current != StateNone {
			log.Warnw("duplicate subtask state markers", "dir", dir)
			return StateInvalid
		}
		current = m.state
	}
	return current
}

// ClearState removes every state marker from dir.
func ClearState(dir string) error {
	var errs error
	for _, m := range []string{ProcessingMarker, legacyProcessingMarker, CompleteMarker, FailedMarker} {
		errs = multierr.Append(errs, remove(filepath.Join(dir, m)))
	}
	return errs
}

// ClearStaleState removes markers left by an incomplete prior attempt.
// COMPLETE is never stale; outputs flags of anything else are dropped.
func ClearStaleState(dir string) error {
	var errs error
	if CurrentState(dir) != StateComplete {
		errs = multierr.Append(errs, remove(filepath.Join(dir, HasOutputsMarker)))
		errs = multierr.Append(errs, remove(filepath.Join(dir, legacyOutputsMarker)))
	}
	for _, m := range []string{ProcessingMarker, legacyProcessingMarker, FailedMarker} {
		errs = multierr.Append(errs, remove(filepath.Join(dir, m)))
	}
	return errs
}

// SetState replaces whatever marker is in dir with the one for state.
func SetState(dir string, state SubtaskState) error {
	if err := ClearState(dir); err != nil {
		return xerrors.Errorf("clearing markers in %s: %w", dir, err)
	}

	var marker string
	switch state {
	case StateProcessing:
		marker = ProcessingMarker
	case StateComplete:
		marker = CompleteMarker
	case StateFailed:
		marker = FailedMarker
	default:
		return xerrors.Errorf("cannot set subtask state %s", state)
	}
	if err := touch(filepath.Join(dir, marker)); err != nil {
		return xerrors.Errorf("writing %s marker in %s: %w", marker, dir, err)
	}
	return nil
}

func SetHasOutputs(dir string) error {
	return touch(filepath.Join(dir, HasOutputsMarker))
}

func HasOutputs(dir string) bool {
	return robustExists(filepath.Join(dir, HasOutputsMarker)) || robustExists(filepath.Join(dir, legacyOutputsMarker))
}
