package build

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"runtime/pprof"
	"sort"
	"strconv"
	"strings"

	"github.com/icza/backscanner"
	logging "github.com/ipfs/go-log/v2"
)

var (
	panicLog           = logging.Logger("panic-reporter")
	defaultJournalTail = 500
)

// PanicReportingPath is the name of the subdir created within the repoPath
// path provided to GeneratePanicReport
var PanicReportingPath = "panic-reports"

// PanicReportJournalTail is the number of lines captured from the end of
// the ziggy journal to be included in the panic report.
var PanicReportJournalTail = defaultJournalTail

// GeneratePanicReport produces a timestamped dump of the application state
// for inspection and debugging purposes. `persistPath` is where the report is
// written; when empty the report goes under `repoPath/panic-reports`. The
// journal tail is read from `repoPath/journal` when a repo path is given.
func GeneratePanicReport(persistPath, repoPath, label string) {
	// make sure we always dump the latest logs on the way out
	defer panicLog.Sync() //nolint:errcheck

	if persistPath == "" && repoPath == "" {
		panicLog.Warn("missing persist and repo paths, aborting panic report creation")
		return
	}

	reportPath := filepath.Join(repoPath, PanicReportingPath, generateReportName(label))
	if persistPath != "" {
		reportPath = filepath.Join(persistPath, generateReportName(label))
	}
	panicLog.Warnf("generating panic report at %s", reportPath)

	tl := os.Getenv("ZIGGY_PANIC_JOURNAL_LOOKBACK")
	if tl != "" && PanicReportJournalTail == defaultJournalTail {
		i, err := strconv.Atoi(tl)
		if err == nil {
			PanicReportJournalTail = i
		}
	}

	if err := os.MkdirAll(reportPath, 0755); err != nil {
		panicLog.Error(err.Error())
		return
	}

	writeAppVersion(filepath.Join(reportPath, "version"))
	writeStackTrace(filepath.Join(reportPath, "stacktrace.dump"))
	writeProfile("goroutine", filepath.Join(reportPath, "goroutines.pprof.gz"))
	writeProfile("heap", filepath.Join(reportPath, "heap.pprof.gz"))
	writeJournalTail(PanicReportJournalTail, repoPath, filepath.Join(reportPath, "journal.ndjson"))
}

func writeAppVersion(file string) {
	f, err := os.Create(file)
	if err != nil {
		panicLog.Error(err.Error())
		return
	}
	defer f.Close() //nolint:errcheck

	if _, err := f.Write([]byte(UserVersion() + "\n")); err != nil {
		panicLog.Error(err.Error())
	}
}

func writeStackTrace(file string) {
	f, err := os.Create(file)
	if err != nil {
		panicLog.Error(err.Error())
		return
	}
	defer f.Close() //nolint:errcheck

	if _, err := f.Write(debug.Stack()); err != nil {
		panicLog.Error(err.Error())
	}
}

func writeProfile(profileType string, file string) {
	p := pprof.Lookup(profileType)
	if p == nil {
		panicLog.Warnf("%s profile not available", profileType)
		return
	}
	f, err := os.Create(file)
	if err != nil {
		panicLog.Error(err.Error())
		return
	}
	defer f.Close() //nolint:errcheck

	if err := p.WriteTo(f, 0); err != nil {
		panicLog.Error(err.Error())
	}
}

func writeJournalTail(tailLen int, repoPath, file string) {
	if repoPath == "" {
		panicLog.Warn("repo path is empty, aborting copy of journal log")
		return
	}

	jPath, err := latestJournalFilePath(repoPath)
	if err != nil {
		panicLog.Warnf("failed getting latest journal: %s", err.Error())
		return
	}

	f, err := os.Create(file)
	if err != nil {
		panicLog.Error(err.Error())
		return
	}
	defer f.Close() //nolint:errcheck

	j, err := os.OpenFile(jPath, os.O_RDONLY, 0400)
	if err != nil {
		panicLog.Error(err.Error())
		return
	}
	defer j.Close() //nolint:errcheck

	js, err := j.Stat()
	if err != nil {
		panicLog.Error(err.Error())
		return
	}
	jScan := backscanner.New(j, int(js.Size()))
	for linesWritten := 0; linesWritten <= tailLen; linesWritten++ {
		line, _, err := jScan.LineBytes()
		if err != nil {
			if err != io.EOF {
				panicLog.Error(err.Error())
			}
			break
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			panicLog.Error(err.Error())
			break
		}
	}
}

func latestJournalFilePath(repoPath string) (string, error) {
	journalPath := filepath.Join(repoPath, "journal")
	entries, err := os.ReadDir(journalPath)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("no journal files in %s", journalPath)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return filepath.Join(journalPath, names[len(names)-1]), nil
}

func generateReportName(label string) string {
	label = strings.ReplaceAll(label, " ", "")
	return fmt.Sprintf("report_%s_%s", label, Clock.Now().Format("2006-01-02T150405"))
}
