package application

import (
	"context"
	"sync"
	"time"

	"github.com/draftea/coordination-engine/coordinator-service/domain"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const releaseTimeout = 5 * time.Second

// leaseKeeper holds a lease for as long as a unit of work runs
type leaseKeeper struct {
	leases domain.LeaseManager
	owner  string
	ttl    time.Duration
	logger *logrus.Entry
}

// acquire takes resource and keeps renewing it in the background. The
// returned context is cancelled with ErrLeaseNotHeld as cause once a renewal
// fails, so work stops at its next boundary. release stops the renewals and
// gives the lease back.
func (k leaseKeeper) acquire(ctx context.Context, resource string) (context.Context, func(), error) {
	ok, err := k.leases.AcquireLease(ctx, resource, k.owner, k.ttl)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to acquire lease %s", resource)
	}
	if !ok {
		return nil, nil, domain.NewLeaseHeldError(resource)
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		k.renew(leaseCtx, resource, cancel, done)
	}()

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(done)
			wg.Wait()
			cancel(context.Canceled)

			releaseCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			defer stop()
			if err := k.leases.ReleaseLease(releaseCtx, resource, k.owner); err != nil {
				k.logger.WithError(err).WithField("resource", resource).Warn("failed to release lease")
			}
		})
	}
	return leaseCtx, release, nil
}

func (k leaseKeeper) renew(ctx context.Context, resource string, cancel context.CancelCauseFunc, done <-chan struct{}) {
	interval := k.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := k.leases.RenewLease(ctx, resource, k.owner, k.ttl); err != nil {
				k.logger.WithError(err).WithField("resource", resource).Warn("lease lost, stopping work")
				cancel(errors.Wrap(domain.ErrLeaseNotHeld, resource))
				return
			}
		}
	}
}

// stopCause explains why a leased context ended
func stopCause(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}
