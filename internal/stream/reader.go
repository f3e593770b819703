package stream

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/sooti/nzbstream/internal/domain"
	"github.com/sooti/nzbstream/internal/poll"
)

// availFunc reports how many bytes of the file may currently be served and
// whether that count is final. Implementations subtract the write-frontier
// margin while the producer is still writing.
type availFunc func(ctx context.Context) (servable int64, final bool, err error)

// follower reads an inclusive byte range out of a file that may still be
// growing underneath it. When a read catches up with the servable frontier
// it waits, bounded, for more bytes instead of returning a short body.
type follower struct {
	ctx      context.Context
	f        *os.File
	pos      int64 // next absolute offset to read
	end      int64 // inclusive
	avail    availFunc
	interval time.Duration
	maxWait  time.Duration

	servable int64
	final    bool
}

func newFollower(ctx context.Context, f *os.File, r byteRange, avail availFunc, interval, maxWait time.Duration) *follower {
	return &follower{
		ctx:      ctx,
		f:        f,
		pos:      r.Start,
		end:      r.End,
		avail:    avail,
		interval: interval,
		maxWait:  maxWait,
	}
}

func (r *follower) Read(p []byte) (int, error) {
	if r.pos > r.end {
		return 0, io.EOF
	}

	if err := r.waitServable(); err != nil {
		return 0, err
	}

	limit := r.end - r.pos + 1
	if !r.final && r.servable-r.pos < limit {
		limit = r.servable - r.pos
	}
	if int64(len(p)) > limit {
		p = p[:limit]
	}

	n, err := r.f.ReadAt(p, r.pos)
	r.pos += int64(n)
	if errors.Is(err, io.EOF) && r.pos <= r.end && !r.final {
		// Raced the writer to the current end of file; the next Read waits.
		err = nil
	}
	return n, err
}

// waitServable blocks until at least one byte past pos is servable, the
// range is known final, or the bounded wait runs out.
func (r *follower) waitServable() error {
	if r.final || r.servable > r.pos {
		return nil
	}

	err := poll.Until(r.ctx, r.interval, r.maxWait, func() (bool, error) {
		servable, final, aerr := r.avail(r.ctx)
		if aerr != nil {
			return false, aerr
		}
		r.servable, r.final = servable, final
		return final || servable > r.pos, nil
	})
	if errors.Is(err, poll.ErrTimeout) {
		return domain.ErrRangeUnavailable
	}
	return err
}

func (r *follower) Close() error {
	return r.f.Close()
}
