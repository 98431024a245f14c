package subtask

import (
	"context"
	"time"

	"github.com/ziggy-project/ziggy/build"
)

// DefaultTryAgainInterval is how long a worker waits before asking again
// after every outstanding subtask was found claimed.
const DefaultTryAgainInterval = 2 * time.Second

// Client is a worker's handle on the Server.
type Client struct {
	srv      *Server
	interval time.Duration
}

func NewClient(srv *Server, tryAgain time.Duration) *Client {
	if tryAgain <= 0 {
		tryAgain = DefaultTryAgainInterval
	}
	return &Client{srv: srv, interval: tryAgain}
}

// NextSubtask blocks until a subtask is assigned or the server reports there
// is no more work. TRY_AGAIN is retried at a fixed interval without bound.
func (c *Client) NextSubtask(ctx context.Context) (Response, error) {
	for {
		resp, err := c.srv.Do(ctx, Request{Type: GetNext, Index: -1})
		if err != nil {
			return Response{}, err
		}
		if resp.Status != TryAgain {
			return resp, nil
		}

		log.Debugw("all outstanding subtasks claimed, waiting", "interval", c.interval)
		select {
		case <-build.Clock.After(c.interval):
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
}

func (c *Client) ReportSubtaskComplete(ctx context.Context, index int) error {
	_, err := c.srv.Do(ctx, Request{Type: ReportDone, Index: index})
	return err
}

func (c *Client) ReportSubtaskLocked(ctx context.Context, index int) error {
	_, err := c.srv.Do(ctx, Request{Type: ReportLocked, Index: index})
	return err
}

func (c *Client) Noop(ctx context.Context) error {
	_, err := c.srv.Do(ctx, Request{Type: Noop, Index: -1})
	return err
}
