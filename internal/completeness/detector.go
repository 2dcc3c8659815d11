// Package completeness decides when an uploaded object has stopped growing.
package completeness

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/shipment-bundler/internal/blob"
)

// Sizer reports object attributes. blob.Store satisfies it.
type Sizer interface {
	Head(ctx context.Context, bucket, key string) (blob.ObjectInfo, error)
}

// Detector polls an object's size until it is unchanged for Threshold
// consecutive polls.
type Detector struct {
	sizer     Sizer
	interval  time.Duration
	threshold int
	timeout   time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDetector builds a Detector. threshold below 1 is treated as 1.
func NewDetector(sizer Sizer, interval time.Duration, threshold int, timeout time.Duration) *Detector {
	return &Detector{
		sizer:     sizer,
		interval:  interval,
		threshold: max(threshold, 1),
		timeout:   timeout,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Result describes the outcome of a wait.
type Result struct {
	Ready bool
	Size  int64
	Polls int
}

// Wait polls bucket/key. It returns Ready=false with a nil error when the
// timeout elapses first; that means "not yet", not a broken batch. A missing
// object keeps polling, since the upload may not be visible yet. A zero size
// never counts as stable. Errors other than not-found are returned as is.
func (d *Detector) Wait(ctx context.Context, bucket, key string) (Result, error) {
	deadline := d.now().Add(d.timeout)
	var res Result
	previous := int64(-1)
	stable := 0

	for {
		res.Polls++
		info, err := d.sizer.Head(ctx, bucket, key)
		switch {
		case errors.Is(err, blob.ErrNotFound):
			previous, stable = -1, 0
		case err != nil:
			return res, err
		default:
			res.Size = info.Size
			if info.Size > 0 && info.Size == previous {
				stable++
				if stable >= d.threshold {
					res.Ready = true
					log.Debug().
						Str("bucket", bucket).
						Str("key", key).
						Int64("size", info.Size).
						Int("polls", res.Polls).
						Msg("Object size stable")
					return res, nil
				}
			} else {
				stable = 0
			}
			previous = info.Size
		}

		if !d.now().Add(d.interval).Before(deadline) {
			log.Warn().
				Str("bucket", bucket).
				Str("key", key).
				Dur("timeout", d.timeout).
				Int("polls", res.Polls).
				Msg("Timed out waiting for object to stabilise")
			return res, nil
		}
		if err := d.sleep(ctx, d.interval); err != nil {
			return res, err
		}
	}
}
