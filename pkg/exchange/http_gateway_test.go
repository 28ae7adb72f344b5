package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newVenue(t *testing.T, h http.HandlerFunc) *HTTPGateway {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPGateway(HTTPConfig{BaseURL: srv.URL, APIKey: "key", APISecret: "secret", QuoteAsset: "USDT"}, nil)
}

func TestHTTPGatewayFilled(t *testing.T) {
	g := newVenue(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != orderPath {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-MBX-APIKEY") != "key" {
			t.Errorf("api key header = %q", r.Header.Get("X-MBX-APIKEY"))
		}

		raw, _ := io.ReadAll(r.Body)
		body := string(raw)
		idx := strings.LastIndex(body, "&signature=")
		if idx < 0 {
			t.Errorf("unsigned body: %s", body)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mac := hmac.New(sha256.New, []byte("secret"))
		mac.Write([]byte(body[:idx]))
		if want := hex.EncodeToString(mac.Sum(nil)); body[idx+len("&signature="):] != want {
			t.Errorf("signature mismatch")
		}

		form, _ := url.ParseQuery(body[:idx])
		for k, want := range map[string]string{"symbol": "BTCUSDT", "side": "BUY", "type": "MARKET", "quantity": "0.5", "newClientOrderId": "c1"} {
			if got := form.Get(k); got != want {
				t.Errorf("%s = %q, want %q", k, got, want)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"symbol":"BTCUSDT","orderId":4242,"clientOrderId":"c1","status":"FILLED",
			"executedQty":"0.50000000","cummulativeQuoteQty":"15000.12345",
			"fills":[{"price":"30000","qty":"0.5","commission":"1.5","commissionAsset":"USDT"},
			         {"price":"30000","qty":"0","commission":"0.0001","commissionAsset":"BNB"}]}`)
	})

	res := g.Submit(context.Background(), testOrder("c1"))
	if !res.IsFilled() {
		t.Fatalf("result = %+v", res)
	}
	if res.ExternalRef != "4242" {
		t.Errorf("ref = %s", res.ExternalRef)
	}
	if !res.Settlement.Equal(decimal.RequireFromString("15000.12345")) {
		t.Errorf("settlement = %s", res.Settlement)
	}
	if !res.Fee.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("fee = %s", res.Fee)
	}
	if res.FilledQty.String() != "0.5" {
		t.Errorf("filled = %s", res.FilledQty)
	}
}

func TestHTTPGatewayFailures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode FailureCode
	}{
		{"venue rejection", http.StatusBadRequest, `{"code":-2010,"msg":"Account has insufficient balance"}`, CodeRejected},
		{"opaque rejection", http.StatusForbidden, `forbidden`, CodeRejected},
		{"server error", http.StatusBadGateway, ``, CodeInvalidResponse},
		{"garbage body", http.StatusOK, `{not json`, CodeInvalidResponse},
		{"expired unfilled", http.StatusOK, `{"orderId":1,"status":"EXPIRED","executedQty":"0"}`, CodeRejected},
		{"bad quantity", http.StatusOK, `{"orderId":1,"status":"FILLED","executedQty":"abc"}`, CodeInvalidResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newVenue(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})
			res := g.Submit(context.Background(), testOrder("c1"))
			if res.Status != StatusFailed || res.Code != tt.wantCode {
				t.Errorf("result = %+v, want failed/%s", res, tt.wantCode)
			}
			if res.ExternalRef != "" {
				t.Errorf("failed result carries ref %q", res.ExternalRef)
			}
		})
	}
}

func TestHTTPGatewayNetworkAndTimeout(t *testing.T) {
	g := NewHTTPGateway(HTTPConfig{BaseURL: "http://127.0.0.1:1", APISecret: "s"}, nil)
	if res := g.Submit(context.Background(), testOrder("c1")); res.Code != CodeNetwork {
		t.Errorf("unreachable venue = %+v", res)
	}

	hang := newVenue(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	res := WithTimeout(hang, 50*time.Millisecond).Submit(context.Background(), testOrder("c2"))
	if res.Code != CodeTimeout {
		t.Errorf("hanging venue = %+v", res)
	}
}

func TestHTTPGatewayMissingSettlement(t *testing.T) {
	g := newVenue(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"orderId":7,"status":"FILLED","executedQty":"0.5"}`)
	})
	res := g.Submit(context.Background(), testOrder("c1"))
	if !res.IsFilled() || res.HasSettlement {
		t.Errorf("result = %+v, want fill without settlement", res)
	}
}

func TestHTTPGatewayUnreadableSettlementStillFills(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad quote total", `{"orderId":9,"status":"FILLED","executedQty":"0.5","cummulativeQuoteQty":"lots"}`},
		{"bad commission", `{"orderId":9,"status":"FILLED","executedQty":"0.5","cummulativeQuoteQty":"15000",
			"fills":[{"price":"30000","qty":"0.5","commission":"n/a","commissionAsset":"USDT"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newVenue(t, func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, tt.body)
			})
			res := g.Submit(context.Background(), testOrder("c1"))
			if !res.IsFilled() || res.ExternalRef != "9" || res.FilledQty.String() != "0.5" {
				t.Fatalf("result = %+v, want fill with ref 9", res)
			}
			if res.HasSettlement || res.SettlementError == "" {
				t.Errorf("result = %+v, want unreadable settlement flagged", res)
			}
		})
	}
}
