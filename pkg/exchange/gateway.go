package exchange

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/tradeledger/pkg/util"
)

// Gateway submits a market order to an external venue.
//
// Submit blocks until a terminal result. Failures are reported in the result,
// never as a Go error and never swallowed. A Gateway holds no account state and
// does not retry: only the ledger knows whether a balance change already happened.
type Gateway interface {
	Submit(ctx context.Context, req OrderRequest) OrderResult
}

// GatewayFunc adapts a function to Gateway
type GatewayFunc func(ctx context.Context, req OrderRequest) OrderResult

func (f GatewayFunc) Submit(ctx context.Context, req OrderRequest) OrderResult {
	return f(ctx, req)
}

// Timeout bounds every submission. When the bound elapses the caller gets a
// definite failed/timeout result. The inner call keeps running on its own and
// its eventual result, fill or failure, is passed to OnLateResult so a fill is
// not lost and callers can forget orders that never executed.
type Timeout struct {
	Next         Gateway
	Limit        time.Duration
	OnLateResult func(req OrderRequest, res OrderResult)
	Logger       *zap.SugaredLogger
}

// WithTimeout wraps g with a bound of d
func WithTimeout(g Gateway, d time.Duration) *Timeout {
	return &Timeout{Next: g, Limit: d}
}

func (t *Timeout) Submit(ctx context.Context, req OrderRequest) OrderResult {
	ctx, cancel := context.WithTimeout(ctx, t.Limit)

	done := make(chan OrderResult, 1)
	go func() {
		defer cancel()
		done <- t.Next.Submit(ctx, req)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		go t.watchLate(req, done)
		return Failed(CodeTimeout, "no venue result within %s", t.Limit)
	}
}

func (t *Timeout) watchLate(req OrderRequest, done <-chan OrderResult) {
	res := <-done
	log := util.OrNop(t.Logger)
	if res.IsFilled() {
		log.Errorw("late_fill_after_timeout",
			"client_order_id", req.ClientOrderID,
			"symbol", req.Symbol,
			"side", req.Side,
			"ref", res.ExternalRef)
	} else {
		log.Infow("late_failure_after_timeout",
			"client_order_id", req.ClientOrderID,
			"code", res.Code,
			"detail", res.ErrorDetail)
	}
	if t.OnLateResult != nil {
		t.OnLateResult(req, res)
	}
}
