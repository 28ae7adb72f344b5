package ledger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/tradeledger/pkg/util"
)

const (
	retryBaseDelay = 1 * time.Second
	retryMaxDelay  = 60 * time.Second
)

// RetryDelay is the wait before the next attempt after attempts failures:
// base * 2^(attempts-1), capped at retryMaxDelay
func RetryDelay(attempts int) time.Duration {
	if attempts <= 1 {
		return retryBaseDelay
	}
	if attempts > 30 {
		return retryMaxDelay
	}
	d := retryBaseDelay * time.Duration(1<<(attempts-1))
	if d > retryMaxDelay {
		return retryMaxDelay
	}
	return d
}

// Reconciler periodically retries pending reconciliations with per-entry backoff
type Reconciler struct {
	svc      *Service
	interval time.Duration
	clock    util.Clock

	Logger *zap.SugaredLogger
}

func NewReconciler(svc *Service, interval time.Duration) *Reconciler {
	return &Reconciler{svc: svc, interval: interval, clock: svc.clock}
}

// Pass summarizes one sweep over the journal
type Pass struct {
	Repaired int
	Failed   int
	Deferred int
	// Unpriced entries wait for an operator to supply their settlement
	Unpriced int
}

// RunOnce attempts every pending entry whose backoff has elapsed
func (r *Reconciler) RunOnce(ctx context.Context) (Pass, error) {
	var pass Pass
	pending, err := r.svc.PendingReconciliations(ctx)
	if err != nil {
		return pass, err
	}

	now := r.clock.Now().UnixMilli()
	for _, p := range pending {
		if ctx.Err() != nil {
			return pass, ctx.Err()
		}
		if p.Unpriced {
			pass.Unpriced++
			continue
		}
		if p.LastAttemptAt+RetryDelay(p.Attempts).Milliseconds() > now {
			pass.Deferred++
			continue
		}
		if _, err := r.svc.Reconcile(ctx, p.AccountID, p.ClientOrderID); err != nil {
			if KindOf(err) == KindNotFound {
				// resolved concurrently
				continue
			}
			pass.Failed++
			continue
		}
		pass.Repaired++
	}
	return pass, nil
}

// Run sweeps every interval until ctx is done
func (r *Reconciler) Run(ctx context.Context) error {
	log := util.OrNop(r.Logger)
	log.Infow("reconciler_started", "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Infow("reconciler_stopped")
			return ctx.Err()
		case <-ticker.C:
			pass, err := r.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				log.Errorw("reconciler_sweep_failed", "err", err)
				continue
			}
			if pass.Repaired+pass.Failed > 0 {
				log.Infow("reconciler_sweep",
					"repaired", pass.Repaired,
					"failed", pass.Failed,
					"deferred", pass.Deferred,
					"unpriced", pass.Unpriced)
			}
		}
	}
}
