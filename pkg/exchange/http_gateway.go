package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/tradeledger/pkg/money"
	"github.com/uhyunpark/tradeledger/pkg/util"
)

const orderPath = "/api/v3/order"

type HTTPConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string
	// QuoteAsset selects which commissions are charged against the settlement
	QuoteAsset string
	RecvWindow time.Duration
}

// HTTPGateway talks to a Binance-compatible REST venue
type HTTPGateway struct {
	client *resty.Client
	cfg    HTTPConfig
	clock  util.Clock

	Logger *zap.SugaredLogger
}

func NewHTTPGateway(cfg HTTPConfig, clock util.Clock) *HTTPGateway {
	if clock == nil {
		clock = util.RealClock{}
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = 5 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")
	return &HTTPGateway{client: client, cfg: cfg, clock: clock}
}

type orderResponse struct {
	Symbol              string      `json:"symbol"`
	OrderID             int64       `json:"orderId"`
	ClientOrderID       string      `json:"clientOrderId"`
	Status              string      `json:"status"`
	ExecutedQty         string      `json:"executedQty"`
	CummulativeQuoteQty string      `json:"cummulativeQuoteQty"`
	Fills               []orderFill `json:"fills"`
}

type orderFill struct {
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
}

type venueError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (g *HTTPGateway) Submit(ctx context.Context, req OrderRequest) OrderResult {
	if err := req.Validate(); err != nil {
		return Failed(CodeInvalidRequest, "%v", err)
	}

	params := url.Values{}
	params.Set("symbol", strings.ToUpper(req.Symbol))
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", "MARKET")
	params.Set("quantity", req.Quantity.String())
	params.Set("newClientOrderId", req.ClientOrderID)
	params.Set("newOrderRespType", "FULL")
	params.Set("recvWindow", strconv.FormatInt(g.cfg.RecvWindow.Milliseconds(), 10))
	params.Set("timestamp", strconv.FormatInt(g.clock.Now().UnixMilli(), 10))
	query := params.Encode()
	body := query + "&signature=" + g.sign(query)

	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", g.cfg.APIKey).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(body).
		Post(orderPath)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return Failed(CodeTimeout, "venue request: %v", err)
		}
		return Failed(CodeNetwork, "venue request: %v", err)
	}

	if resp.StatusCode() >= 500 {
		return Failed(CodeInvalidResponse, "venue status %d, order state unknown", resp.StatusCode())
	}
	if resp.IsError() {
		var verr venueError
		if jerr := json.Unmarshal(resp.Body(), &verr); jerr != nil || verr.Msg == "" {
			return Failed(CodeRejected, "venue status %d", resp.StatusCode())
		}
		return Failed(CodeRejected, "venue code %d: %s", verr.Code, verr.Msg)
	}

	var out orderResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return Failed(CodeInvalidResponse, "decode order response: %v", err)
	}
	res := g.toResult(out)

	util.OrNop(g.Logger).Infow("venue_order_result",
		"client_order_id", req.ClientOrderID,
		"symbol", req.Symbol,
		"side", req.Side,
		"venue_status", out.Status,
		"status", res.Status,
		"ref", res.ExternalRef)
	if res.SettlementError != "" {
		util.OrNop(g.Logger).Errorw("venue_settlement_unreadable",
			"client_order_id", req.ClientOrderID,
			"ref", res.ExternalRef,
			"err", res.SettlementError)
	}
	return res
}

func (g *HTTPGateway) toResult(out orderResponse) OrderResult {
	executed, err := money.ParseQuantity(nonEmpty(out.ExecutedQty))
	if err != nil {
		return Failed(CodeInvalidResponse, "executedQty %q: %v", out.ExecutedQty, err)
	}
	if !executed.IsPositive() {
		return Failed(CodeRejected, "order not filled: status %s", out.Status)
	}

	ref := strconv.FormatInt(out.OrderID, 10)

	var settlement *decimal.Decimal
	if out.CummulativeQuoteQty != "" {
		quote, err := decimal.NewFromString(out.CummulativeQuoteQty)
		if err != nil {
			return FilledUnpriced(ref, executed, "cummulativeQuoteQty %q: %v", out.CummulativeQuoteQty, err)
		}
		settlement = &quote
	}

	fee := decimal.Zero
	for _, f := range out.Fills {
		if g.cfg.QuoteAsset == "" || !strings.EqualFold(f.CommissionAsset, g.cfg.QuoteAsset) {
			continue
		}
		c, err := decimal.NewFromString(f.Commission)
		if err != nil {
			return FilledUnpriced(ref, executed, "commission %q: %v", f.Commission, err)
		}
		fee = fee.Add(c)
	}

	return Filled(ref, executed, settlement, fee)
}

func (g *HTTPGateway) sign(payload string) string {
	h := hmac.New(sha256.New, []byte(g.cfg.APISecret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

func nonEmpty(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
