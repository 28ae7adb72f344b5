package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/tradeledger/pkg/util"
)

var bpsDivisor = decimal.NewFromInt(10_000)

// PaperGateway fills market orders locally at the registered instrument price.
// Like a real venue it deduplicates by client order id.
type PaperGateway struct {
	instruments *Instruments
	feeBps      int64

	// Latency delays every fill; a cancelled context during the delay yields a timeout
	Latency time.Duration
	Logger  *zap.SugaredLogger

	mu     sync.Mutex
	seq    uint64
	filled map[string]OrderResult // client order id -> result
}

func NewPaperGateway(instruments *Instruments, feeBps int64) *PaperGateway {
	return &PaperGateway{
		instruments: instruments,
		feeBps:      feeBps,
		filled:      make(map[string]OrderResult),
	}
}

func (p *PaperGateway) Submit(ctx context.Context, req OrderRequest) OrderResult {
	if err := req.Validate(); err != nil {
		return Failed(CodeInvalidRequest, "%v", err)
	}

	if p.Latency > 0 {
		select {
		case <-time.After(p.Latency):
		case <-ctx.Done():
			return Failed(CodeTimeout, "paper venue: %v", ctx.Err())
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if prev, ok := p.filled[req.ClientOrderID]; ok {
		return prev
	}

	in, err := p.instruments.Get(req.Symbol)
	if err != nil {
		return Failed(CodeRejected, "unknown symbol %s", req.Symbol)
	}
	if in.Status != Active {
		return Failed(CodeRejected, "symbol %s is %s", req.Symbol, in.Status)
	}
	if in.LotSize > 0 && req.Quantity%in.LotSize != 0 {
		return Failed(CodeRejected, "quantity %s is not a multiple of lot size %s", req.Quantity, in.LotSize)
	}

	notional := req.Quantity.Decimal().Mul(in.Price)
	fee := notional.Mul(decimal.NewFromInt(p.feeBps)).Div(bpsDivisor)

	p.seq++
	ref := fmt.Sprintf("paper-%d", p.seq)
	res := Filled(ref, req.Quantity, &notional, fee)
	p.filled[req.ClientOrderID] = res

	util.OrNop(p.Logger).Debugw("paper_fill",
		"client_order_id", req.ClientOrderID,
		"symbol", req.Symbol,
		"side", req.Side,
		"qty", req.Quantity.String(),
		"price", in.Price.String(),
		"ref", ref)
	return res
}
