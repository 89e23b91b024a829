package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"cryptobot-trader/internal/config"
)

func newTestMEXC(t *testing.T, baseURL string) *MEXC {
	t.Helper()
	m, err := NewMEXC(config.ExchangeConfig{
		Name:          "mexc",
		QuoteCurrency: "USDT",
		BaseURL:       baseURL,
		APIKey:        "test-mexc-key",
		SecretKey:     "test-mexc-secret",
		Timeout:       5 * time.Second,
		Retry:         config.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond},
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewMEXC failed: %v", err)
	}
	return m
}

func TestMEXCSignKnownVector(t *testing.T) {
	m := newTestMEXC(t, "http://unused")

	query := "symbol=BTCUSDT&side=BUY&type=MARKET&quoteOrderQty=25&timestamp=1700000000000&recvWindow=5000"
	want := "899f4b6601815f0a457ff0c0cb6366ec26211e879ba14ad0e0a49d11567c7e7a"
	if got := m.sign(query); got != want {
		t.Errorf("sign mismatch:\n got %s\nwant %s", got, want)
	}
}

func TestMEXCSignatureIsOrderSensitive(t *testing.T) {
	m := newTestMEXC(t, "http://unused")

	a := m.sign("symbol=BTCUSDT&side=BUY")
	b := m.sign("side=BUY&symbol=BTCUSDT")
	if a == b {
		t.Fatalf("signature must depend on parameter order")
	}
}

func TestEncodeParamsPreservesInsertionOrder(t *testing.T) {
	got := encodeParams([]param{
		{"newClientOrderId", "abc-123"},
		{"symbol", "BTCUSDT"},
		{"side", "SELL"},
	})
	want := "newClientOrderId=abc-123&symbol=BTCUSDT&side=SELL"
	if got != want {
		t.Errorf("encodeParams = %q, want %q", got, want)
	}
}

// verifyMEXCSignature 确认传输的字节与签名覆盖的字节一致。
func verifyMEXCSignature(t *testing.T, rawQuery, secret string) url.Values {
	t.Helper()

	idx := strings.LastIndex(rawQuery, "&signature=")
	if idx < 0 {
		t.Fatalf("query %q missing trailing signature", rawQuery)
	}
	payload, sig := rawQuery[:idx], rawQuery[idx+len("&signature="):]

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	if want := hex.EncodeToString(mac.Sum(nil)); sig != want {
		t.Errorf("signature does not cover transmitted bytes:\n got %s\nwant %s", sig, want)
	}

	values, err := url.ParseQuery(payload)
	if err != nil {
		t.Fatalf("unparsable query %q: %v", payload, err)
	}
	if values.Get("timestamp") == "" || values.Get("recvWindow") == "" {
		t.Errorf("signed query must carry timestamp and recvWindow: %q", payload)
	}
	return values
}

func TestMEXCGetPrice(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/ticker/price" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("expected symbol BTCUSDT, got %q", got)
		}
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","price":"43250.5"}`))
	}))
	defer server.Close()

	m := newTestMEXC(t, server.URL)
	price, err := m.GetPrice(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("GetPrice failed: %v", err)
	}
	if price != 43250.5 {
		t.Errorf("price = %v, want 43250.5", price)
	}
}

func TestMEXCGetBalancesSigned(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-MEXC-APIKEY"); got != "test-mexc-key" {
			t.Errorf("missing api key header, got %q", got)
		}
		verifyMEXCSignature(t, r.URL.RawQuery, "test-mexc-secret")
		_, _ = w.Write([]byte(`{"balances":[{"asset":"BTC","free":"0.5"},{"asset":"USDT","free":"1200.25"}]}`))
	}))
	defer server.Close()

	m := newTestMEXC(t, server.URL)
	balances, err := m.GetBalances(context.Background())
	if err != nil {
		t.Fatalf("GetBalances failed: %v", err)
	}
	if balances["BTC"] != 0.5 || balances["USDT"] != 1200.25 {
		t.Errorf("unexpected balances: %v", balances)
	}
}

func TestMEXCMarketBuyUsesQuoteOrderQty(t *testing.T) {
	var orderCalls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/exchangeInfo":
			_, _ = w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","orderTypes":["LIMIT","MARKET"],"baseSizePrecision":"0.0001","quotePrecision":2}]}`))
		case "/api/v3/order":
			orderCalls++
			values := verifyMEXCSignature(t, r.URL.RawQuery, "test-mexc-secret")
			if got := values.Get("type"); got != "MARKET" {
				t.Errorf("type = %q, want MARKET", got)
			}
			if got := values.Get("quoteOrderQty"); got != "25.5" {
				t.Errorf("quoteOrderQty = %q, want 25.5", got)
			}
			if values.Get("quantity") != "" {
				t.Errorf("market BUY must not send quantity")
			}
			_, _ = w.Write([]byte(`{"orderId":123456,"executedQty":"0.00059","cummulativeQuoteQty":"25.49"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	m := newTestMEXC(t, server.URL)
	result, err := m.PlaceMarketOrder(context.Background(), Order{
		Symbol:      "BTC",
		Side:        SideBuy,
		QuoteAmount: 25.509,
	})
	if err != nil {
		t.Fatalf("PlaceMarketOrder failed: %v", err)
	}
	if orderCalls != 1 {
		t.Fatalf("expected 1 order call, got %d", orderCalls)
	}
	if result.OrderID != "123456" {
		t.Errorf("orderId = %q, want 123456", result.OrderID)
	}
	if result.FilledBase != 0.00059 {
		t.Errorf("filledBase = %v, want 0.00059", result.FilledBase)
	}
}

func TestMEXCLimitFallbackWhenMarketUnsupported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/exchangeInfo":
			_, _ = w.Write([]byte(`{"symbols":[{"symbol":"DOGEUSDT","orderTypes":["LIMIT","IMMEDIATE_OR_CANCEL"],"baseSizePrecision":"0.001","quotePrecision":5}]}`))
		case "/api/v3/ticker/bookTicker":
			_, _ = w.Write([]byte(`{"bidPrice":"0.1","askPrice":"0.2"}`))
		case "/api/v3/order":
			values := verifyMEXCSignature(t, r.URL.RawQuery, "test-mexc-secret")
			if got := values.Get("type"); got != "IMMEDIATE_OR_CANCEL" {
				t.Errorf("type = %q, want IMMEDIATE_OR_CANCEL", got)
			}
			// 买单价格 = 卖一价上浮 10bp。
			if got := values.Get("price"); got != "0.2002" {
				t.Errorf("price = %q, want 0.2002", got)
			}
			// 数量 = 50 / 0.2002，按 baseSizePrecision 向下取整。
			if got := values.Get("quantity"); got != "249.75" {
				t.Errorf("quantity = %q, want 249.75", got)
			}
			_, _ = w.Write([]byte(`{"orderId":"789","executedQty":"249","cummulativeQuoteQty":"49.85"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	m := newTestMEXC(t, server.URL)
	result, err := m.PlaceMarketOrder(context.Background(), Order{
		Symbol:      "DOGE",
		Side:        SideBuy,
		QuoteAmount: 50,
	})
	if err != nil {
		t.Fatalf("PlaceMarketOrder failed: %v", err)
	}
	if result.OrderID != "789" {
		t.Errorf("orderId = %q, want 789", result.OrderID)
	}
}
