// Package memgate bounds the memory committed to concurrently executing
// algorithms in one process. Acquisitions are served in FIFO order.
package memgate

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/elastic/go-sysinfo"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/xerrors"
)

var log = logging.Logger("memgate")

const mib = 1 << 20

var ErrTooLarge = xerrors.New("memory request exceeds gate capacity")

type Gate struct {
	capacityMiB int64
	sem         *semaphore.Weighted
}

func New(capacityMiB int64) *Gate {
	log.Infow("memory gate", "capacity", humanize.IBytes(uint64(capacityMiB)*mib))
	return &Gate{
		capacityMiB: capacityMiB,
		sem:         semaphore.NewWeighted(capacityMiB),
	}
}

// NewFromHost sizes the gate to the host's physical memory.
func NewFromHost() (*Gate, error) {
	total, err := HostMemoryMiB()
	if err != nil {
		return nil, err
	}
	return New(total), nil
}

func HostMemoryMiB() (int64, error) {
	h, err := sysinfo.Host()
	if err != nil {
		return 0, xerrors.Errorf("getting host info: %w", err)
	}
	mem, err := h.Memory()
	if err != nil {
		return 0, xerrors.Errorf("getting host memory: %w", err)
	}
	return int64(mem.Total / mib), nil
}

func (g *Gate) CapacityMiB() int64 {
	return g.capacityMiB
}

// Acquire blocks until mb MiB are available or ctx is done.
func (g *Gate) Acquire(ctx context.Context, mb int64) error {
	if mb <= 0 {
		return nil
	}
	if mb > g.capacityMiB {
		return xerrors.Errorf("requested %d MiB of %d: %w", mb, g.capacityMiB, ErrTooLarge)
	}
	log.Debugw("acquiring memory", "mib", mb)
	if err := g.sem.Acquire(ctx, mb); err != nil {
		return xerrors.Errorf("acquiring %d MiB: %w", mb, err)
	}
	return nil
}

func (g *Gate) TryAcquire(mb int64) bool {
	if mb <= 0 {
		return true
	}
	return g.sem.TryAcquire(mb)
}

func (g *Gate) Release(mb int64) {
	if mb <= 0 {
		return
	}
	log.Debugw("releasing memory", "mib", mb)
	g.sem.Release(mb)
}
