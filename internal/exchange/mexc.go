package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"cryptobot-trader/internal/config"
)

const (
	defaultMEXCBaseURL = "https://api.mexc.com"
	mexcRecvWindow     = "5000"
	limitNudgeBps      = 10
)

// param 为保持插入顺序的查询参数；MEXC 的签名覆盖实际发送的字节序列，
// 因此参数不允许重排。
type param struct {
	key   string
	value string
}

// MEXC 为 MEXC Spot v3 适配器。
// 认证：对即将发送的查询串做 HMAC-SHA256，signature 追加在末尾。
type MEXC struct {
	apiKey    string
	secret    []byte
	quote     string
	transport *transport
	logger    *zap.Logger
}

// NewMEXC 构造适配器。
func NewMEXC(cfg config.ExchangeConfig, logger *zap.Logger) (*MEXC, error) {
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("mexc: 缺少 api_key 或 secret_key")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultMEXCBaseURL
	}

	quote := cfg.QuoteCurrency
	if quote == "" {
		quote = "USDT"
	}

	return &MEXC{
		apiKey:    cfg.APIKey,
		secret:    []byte(cfg.SecretKey),
		quote:     quote,
		transport: newTransport(baseURL, cfg.Timeout, PolicyFromConfig(cfg.Retry), logger),
		logger:    logger,
	}, nil
}

// Name 返回交易所标识。
func (m *MEXC) Name() string { return "mexc" }

// QuoteCurrency 返回计价货币。
func (m *MEXC) QuoteCurrency() string { return m.quote }

func (m *MEXC) pair(symbol string) string {
	return symbol + m.quote
}

func encodeParams(params []param) string {
	var b strings.Builder
	for i, p := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.value))
	}
	return b.String()
}

func (m *MEXC) sign(query string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// signedQuery 追加 timestamp/recvWindow 并对最终发送的字节序列签名。
func (m *MEXC) signedQuery(params []param) string {
	params = append(params,
		param{"timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10)},
		param{"recvWindow", mexcRecvWindow},
	)
	query := encodeParams(params)
	return query + "&signature=" + m.sign(query)
}

// request 执行请求；buildQuery 每次尝试重新求值以刷新时间戳与签名。
func (m *MEXC) request(ctx context.Context, method, path string, buildQuery func() string, signed bool) ([]byte, error) {
	return m.transport.do(ctx, method+" "+path, func(ctx context.Context) (*resty.Response, error) {
		target := path
		if buildQuery != nil {
			if query := buildQuery(); query != "" {
				target = path + "?" + query
			}
		}

		req := m.transport.http.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json")
		if signed {
			req.SetHeader("X-MEXC-APIKEY", m.apiKey)
		}
		return req.Execute(method, target)
	})
}

// GetPrice 查询现货最新价。
func (m *MEXC) GetPrice(ctx context.Context, symbol string) (float64, error) {
	sym := m.pair(symbol)
	body, err := m.request(ctx, http.MethodGet, "/api/v3/ticker/price", func() string {
		return encodeParams([]param{{"symbol", sym}})
	}, false)
	if err != nil {
		return 0, err
	}

	var payload struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("mexc: 解析行情失败: %w", err)
	}
	if payload.Price == "" {
		return 0, ErrNoPrice
	}

	price, err := strconv.ParseFloat(payload.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("mexc: 非法价格 %q: %w", payload.Price, err)
	}
	return price, nil
}

// GetBalances 返回 币种 -> 可用余额。
func (m *MEXC) GetBalances(ctx context.Context) (map[string]float64, error) {
	body, err := m.request(ctx, http.MethodGet, "/api/v3/account", func() string {
		return m.signedQuery(nil)
	}, true)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Balances []struct {
			Asset     string `json:"asset"`
			Free      string `json:"free"`
			Available string `json:"available"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("mexc: 解析余额失败: %w", err)
	}

	balances := make(map[string]float64, len(payload.Balances))
	for _, b := range payload.Balances {
		raw := b.Available
		if raw == "" {
			raw = b.Free
		}
		value, parseErr := strconv.ParseFloat(raw, 64)
		if parseErr != nil {
			continue
		}
		balances[b.Asset] = value
	}
	return balances, nil
}

type mexcSymbolInfo struct {
	OrderTypes        []string `json:"orderTypes"`
	BaseSizePrecision string   `json:"baseSizePrecision"`
	QuotePrecision    int      `json:"quotePrecision"`
}

func (m *MEXC) symbolInfo(ctx context.Context, sym string) (mexcSymbolInfo, error) {
	body, err := m.request(ctx, http.MethodGet, "/api/v3/exchangeInfo", func() string {
		return encodeParams([]param{{"symbols", sym}})
	}, false)
	if err != nil {
		return mexcSymbolInfo{}, err
	}

	var payload struct {
		Symbols []mexcSymbolInfo `json:"symbols"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return mexcSymbolInfo{}, fmt.Errorf("mexc: 解析交易对元数据失败: %w", err)
	}
	if len(payload.Symbols) == 0 {
		return mexcSymbolInfo{}, fmt.Errorf("mexc: 交易对 %s 不存在", sym)
	}
	return payload.Symbols[0], nil
}

type mexcBookTicker struct {
	BidPrice string `json:"bidPrice"`
	AskPrice string `json:"askPrice"`
}

func (m *MEXC) bookTicker(ctx context.Context, sym string) (mexcBookTicker, error) {
	body, err := m.request(ctx, http.MethodGet, "/api/v3/ticker/bookTicker", func() string {
		return encodeParams([]param{{"symbol", sym}})
	}, false)
	if err != nil {
		return mexcBookTicker{}, err
	}

	var book mexcBookTicker
	if err := json.Unmarshal(body, &book); err != nil {
		return mexcBookTicker{}, fmt.Errorf("mexc: 解析盘口失败: %w", err)
	}
	if book.BidPrice == "" || book.AskPrice == "" {
		return mexcBookTicker{}, fmt.Errorf("mexc: 盘口数据不可用 (%s)", sym)
	}
	return book, nil
}

// PlaceMarketOrder 提交市价委托。
// 交易对不支持 MARKET 时回落为贴近盘口的激进限价单：
// 买单在卖一价上浮 10bp，卖单在买一价下压 10bp。
func (m *MEXC) PlaceMarketOrder(ctx context.Context, order Order) (*OrderResult, error) {
	sym := m.pair(order.Symbol)

	info, err := m.symbolInfo(ctx, sym)
	if err != nil {
		return nil, err
	}

	allowed := make(map[string]bool, len(info.OrderTypes))
	for _, t := range info.OrderTypes {
		allowed[strings.ToUpper(t)] = true
	}

	if allowed["MARKET"] {
		return m.placeMarket(ctx, sym, order)
	}
	return m.placeLimitFallback(ctx, sym, order, info, allowed)
}

func (m *MEXC) placeMarket(ctx context.Context, sym string, order Order) (*OrderResult, error) {
	var sizing param
	switch order.Side {
	case SideBuy:
		if order.QuoteAmount <= 0 {
			return nil, errors.New("mexc: BUY 需要正的计价金额")
		}
		sizing = param{"quoteOrderQty", QuantizeFloor(order.QuoteAmount, StepFromDecimals(2))}
	case SideSell:
		if order.BaseAmount <= 0 {
			return nil, errors.New("mexc: SELL 需要正的基础数量")
		}
		sizing = param{"quantity", QuantizeFloor(order.BaseAmount, StepFromDecimals(8))}
	default:
		return nil, fmt.Errorf("mexc: 非法方向 %q", order.Side)
	}

	buildQuery := func() string {
		params := make([]param, 0, 8)
		if order.ClientOrderID != "" {
			params = append(params, param{"newClientOrderId", order.ClientOrderID})
		}
		params = append(params,
			param{"symbol", sym},
			param{"side", string(order.Side)},
			param{"type", "MARKET"},
			sizing,
			param{"newOrderRespType", "FULL"},
		)
		return m.signedQuery(params)
	}

	body, err := m.request(ctx, http.MethodPost, "/api/v3/order", buildQuery, true)
	if err != nil {
		return nil, err
	}
	return parseMEXCOrder(body)
}

func (m *MEXC) placeLimitFallback(ctx context.Context, sym string, order Order, info mexcSymbolInfo, allowed map[string]bool) (*OrderResult, error) {
	book, err := m.bookTicker(ctx, sym)
	if err != nil {
		return nil, err
	}

	bid, err := strconv.ParseFloat(book.BidPrice, 64)
	if err != nil {
		return nil, fmt.Errorf("mexc: 非法买一价 %q: %w", book.BidPrice, err)
	}
	ask, err := strconv.ParseFloat(book.AskPrice, 64)
	if err != nil {
		return nil, fmt.Errorf("mexc: 非法卖一价 %q: %w", book.AskPrice, err)
	}

	baseStep := StepFromPrecision(info.BaseSizePrecision)
	if info.BaseSizePrecision == "" {
		baseStep = StepFromPrecision("0.0001")
	}
	quoteDecimals := info.QuotePrecision
	if quoteDecimals <= 0 {
		quoteDecimals = 4
	}

	var px float64
	var qtyStr string
	switch order.Side {
	case SideBuy:
		if order.QuoteAmount <= 0 {
			return nil, errors.New("mexc: BUY 需要正的计价金额")
		}
		px = ask * (1 + float64(limitNudgeBps)/10000)
		qty, _ := decimal.NewFromFloat(order.QuoteAmount).Div(decimal.NewFromFloat(px)).Float64()
		qtyStr = QuantizeFloor(qty, baseStep)
	case SideSell:
		if order.BaseAmount <= 0 {
			return nil, errors.New("mexc: SELL 需要正的基础数量")
		}
		px = bid * (1 - float64(limitNudgeBps)/10000)
		qtyStr = QuantizeFloor(order.BaseAmount, baseStep)
	default:
		return nil, fmt.Errorf("mexc: 非法方向 %q", order.Side)
	}

	if qtyStr == "0" {
		return nil, fmt.Errorf("mexc: 量化后数量为0 (%s)", sym)
	}

	orderType := "LIMIT"
	if allowed["IMMEDIATE_OR_CANCEL"] {
		orderType = "IMMEDIATE_OR_CANCEL"
	}
	priceStr := FormatPrice(px, quoteDecimals)

	buildQuery := func() string {
		params := make([]param, 0, 8)
		if order.ClientOrderID != "" {
			params = append(params, param{"newClientOrderId", order.ClientOrderID})
		}
		params = append(params,
			param{"symbol", sym},
			param{"side", string(order.Side)},
			param{"type", orderType},
			param{"price", priceStr},
			param{"quantity", qtyStr},
		)
		return m.signedQuery(params)
	}

	m.logger.Info("mexc 市价不可用，回落限价",
		zap.String("symbol", sym),
		zap.String("side", string(order.Side)),
		zap.String("price", priceStr),
		zap.String("quantity", qtyStr),
	)

	body, err := m.request(ctx, http.MethodPost, "/api/v3/order", buildQuery, true)
	if err != nil {
		return nil, err
	}
	return parseMEXCOrder(body)
}

func parseMEXCOrder(body []byte) (*OrderResult, error) {
	var resp struct {
		OrderID             json.Number `json:"orderId"`
		ExecutedQty         string      `json:"executedQty"`
		CummulativeQuoteQty string      `json:"cummulativeQuoteQty"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("mexc: 解析下单回执失败: %w", err)
	}
	if resp.OrderID.String() == "" {
		return nil, fmt.Errorf("mexc: 下单回执缺少 orderId: %s", string(body))
	}

	result := &OrderResult{OrderID: resp.OrderID.String()}
	if qty, err := strconv.ParseFloat(resp.ExecutedQty, 64); err == nil {
		result.FilledBase = qty
		if quote, err := strconv.ParseFloat(resp.CummulativeQuoteQty, 64); err == nil && qty > 0 {
			result.AvgPrice = quote / qty
		}
	}
	return result, nil
}
