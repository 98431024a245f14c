// Package subtask allocates the subtasks of one task to the worker
// goroutines of a compute node and runs the algorithm on each of them.
package subtask

import (
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"
)

var log = logging.Logger("subtask")

type RequestType int

const (
	GetNext RequestType = iota
	ReportDone
	ReportLocked
	Noop
)

func (t RequestType) String() string {
	switch t {
	case GetNext:
		return "GET_NEXT"
	case ReportDone:
		return "REPORT_DONE"
	case ReportLocked:
		return "REPORT_LOCKED"
	case Noop:
		return "NOOP"
	default:
		return "UNKNOWN"
	}
}

type Status int

const (
	OK Status = iota
	TryAgain
	NoMore
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case TryAgain:
		return "TRY_AGAIN"
	case NoMore:
		return "NO_MORE"
	default:
		return "UNKNOWN"
	}
}

// Request is one client round trip. Index is -1 when unused.
type Request struct {
	Type  RequestType
	Index int

	ret chan Response
}

// Response answers a Request. Index is -1 unless Status is OK.
type Response struct {
	Status Status
	Index  int
}

var (
	ErrServerClosed       = xerrors.New("subtask server closed")
	ErrExecutableNotFound = xerrors.New("algorithm executable not found")
)
