package subtask

import (
	"context"
	"sync"

	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/ziggy-project/ziggy/metrics"
)

// Server owns an Allocator and applies requests to it from a single
// goroutine, so the allocator needs no locking of its own.
type Server struct {
	alloc    *Allocator
	requests chan *serverRequest

	closeOnce sync.Once
	closing   chan struct{}
	closed    chan struct{}
}

type serverRequest struct {
	Request
	ctx context.Context
}

func (r *serverRequest) respond(resp Response) {
	select {
	case r.ret <- resp:
	case <-r.ctx.Done():
		log.Warnf("request got cancelled before we could respond")
	}
}

// NewServer creates a server whose request queue holds one request per
// worker, so a worker never blocks submitting under normal operation.
func NewServer(alloc *Allocator, workers int) *Server {
	if workers < 1 {
		workers = 1
	}
	return &Server{
		alloc:    alloc,
		requests: make(chan *serverRequest, workers),
		closing:  make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (s *Server) Start() {
	go s.run()
}

func (s *Server) run() {
	defer close(s.closed)

	for {
		select {
		case req := <-s.requests:
			req.respond(s.apply(req.Request))
		case <-s.closing:
			log.Debugf("closing subtask server")
			return
		}
	}
}

func (s *Server) apply(req Request) Response {
	resp := Response{Status: OK, Index: -1}

	switch req.Type {
	case GetNext:
		if s.alloc.IsEmpty() {
			resp = Response{Status: NoMore, Index: -1}
			break
		}
		resp = s.alloc.NextSubtask()
		stats.Record(context.Background(), metrics.AllocatorWaiting.M(int64(s.alloc.Waiting())))
	case ReportDone:
		s.alloc.MarkComplete(req.Index)
	case ReportLocked:
		s.alloc.MarkLocked(req.Index)
	case Noop:
	default:
		log.Errorw("unknown request type", "type", req.Type)
	}

	log.Debugw("subtask request", "type", req.Type, "index", req.Index, "status", resp.Status, "respIndex", resp.Index)
	ctx, _ := tag.New(context.Background(), tag.Upsert(metrics.Response, resp.Status.String()))
	stats.Record(ctx, metrics.AllocatorResponses.M(1))
	return resp
}

// Do performs one round trip.
func (s *Server) Do(ctx context.Context, req Request) (Response, error) {
	sr := &serverRequest{
		Request: req,
		ctx:     ctx,
	}
	sr.ret = make(chan Response, 1)

	select {
	case s.requests <- sr:
	case <-s.closing:
		return Response{}, ErrServerClosed
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}

	select {
	case resp := <-sr.ret:
		return resp, nil
	case <-s.closing:
		return Response{}, ErrServerClosed
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (s *Server) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	select {
	case <-s.closed:
	case <-ctx.Done():
		return xerrors.Errorf("waiting for subtask server to stop: %w", ctx.Err())
	}
	return nil
}
