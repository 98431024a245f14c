package fsjournal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/mitchellh/go-homedir"
	"golang.org/x/xerrors"

	"github.com/ziggy-project/ziggy/build"
	"github.com/ziggy-project/ziggy/journal"
)

var log = logging.Logger("fsjournal")

const RFC3339nocolon = "2006-01-02T150405.000Z0700"

const (
	currentName  = "ziggy-journal.ndjson"
	rolledPrefix = "ziggy-journal-"
)

// fsJournal is a basic journal backed by files on a filesystem.
type fsJournal struct {
	journal.EventTypeRegistry

	dir       string
	sizeLimit int64
	keep      int

	fi    *os.File
	fSize int64

	incoming chan *journal.Event

	closing chan struct{}
	closed  chan struct{}
}

const (
	DefaultMaxSize    = 256 << 20
	DefaultMaxBackups = 3
)

// OpenFSJournal constructs a rolling filesystem journal under
// <repoPath>/journal. A non-positive maxSize and a negative maxBackups fall
// back to the defaults.
func OpenFSJournal(repoPath string, disabled journal.DisabledEvents, maxSize int64, maxBackups int) (journal.Journal, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if maxBackups < 0 {
		maxBackups = DefaultMaxBackups
	}
	return openFSJournal(repoPath, disabled, maxSize, maxBackups)
}

func openFSJournal(repoPath string, disabled journal.DisabledEvents, sizeLimit int64, keep int) (*fsJournal, error) {
	path, err := homedir.Expand(repoPath)
	if err != nil {
		return nil, xerrors.Errorf("failed to expand repo path: %w", err)
	}

	dir := filepath.Join(path, "journal")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, xerrors.Errorf("failed to mk directory %s for file journal: %w", dir, err)
	}

	f := &fsJournal{
		EventTypeRegistry: journal.NewEventTypeRegistry(disabled),
		dir:               dir,
		sizeLimit:         sizeLimit,
		keep:              keep,
		incoming:          make(chan *journal.Event, 32),
		closing:           make(chan struct{}),
		closed:            make(chan struct{}),
	}

	if err := f.rollJournalFile(); err != nil {
		return nil, err
	}

	go f.runLoop()

	return f, nil
}

func (f *fsJournal) RecordEvent(evtType journal.EventType, supplier func() interface{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Warnf("recovered from panic while recording journal event; type=%s, err=%v", evtType, r)
		}
	}()

	if !evtType.Enabled() {
		return
	}

	je := &journal.Event{
		EventType: evtType,
		Timestamp: build.Clock.Now(),
		Data:      supplier(),
	}
	select {
	case f.incoming <- je:
	case <-f.closing:
		log.Warnw("journal closed but tried to log event", "event", je)
	}
}

func (f *fsJournal) Close() error {
	close(f.closing)
	<-f.closed
	return nil
}

func (f *fsJournal) putEvent(evt *journal.Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	n, err := f.fi.Write(append(b, '\n'))
	if err != nil {
		return err
	}

	f.fSize += int64(n)

	if f.fSize >= f.sizeLimit {
		_ = f.rollJournalFile()
	}

	return nil
}

func (f *fsJournal) rollJournalFile() error {
	if f.fi != nil {
		_ = f.fi.Close()
	}
	current := filepath.Join(f.dir, currentName)
	rolled := filepath.Join(f.dir, fmt.Sprintf(
		"%s%s.ndjson", rolledPrefix,
		build.Clock.Now().Format(RFC3339nocolon),
	))

	if fi, err := os.Stat(current); err == nil && !fi.IsDir() && fi.Size() > 0 {
		if err := os.Rename(current, rolled); err != nil {
			return xerrors.Errorf("failed to roll journal file: %w", err)
		}
	}

	nfi, err := os.OpenFile(current, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return xerrors.Errorf("failed to create journal file: %w", err)
	}

	f.fi = nfi
	f.fSize = 0

	f.pruneRolled()
	return nil
}

func (f *fsJournal) pruneRolled() {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		log.Warnw("listing journal dir", "error", err)
		return
	}
	var rolled []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), rolledPrefix) {
			rolled = append(rolled, e.Name())
		}
	}
	if len(rolled) <= f.keep {
		return
	}
	sort.Strings(rolled)
	for _, name := range rolled[:len(rolled)-f.keep] {
		if err := os.Remove(filepath.Join(f.dir, name)); err != nil {
			log.Warnw("pruning rolled journal file", "file", name, "error", err)
		}
	}
}

func (f *fsJournal) runLoop() {
	defer close(f.closed)

	for {
		select {
		case je := <-f.incoming:
			if err := f.putEvent(je); err != nil {
				log.Errorw("failed to write out journal event", "event", je, "err", err)
			}
		case <-f.closing:
			// drain what was accepted before close
			for {
				select {
				case je := <-f.incoming:
					if err := f.putEvent(je); err != nil {
						log.Errorw("failed to write out journal event", "event", je, "err", err)
					}
				default:
					_ = f.fi.Close()
					return
				}
			}
		}
	}
}
