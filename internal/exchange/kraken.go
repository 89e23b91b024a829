package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"cryptobot-trader/internal/config"
)

const defaultKrakenBaseURL = "https://api.kraken.com"

// krakenAssetAliases 为 Kraken 的历史遗留命名：
// 下单与行情用 XBT/XDG，余额接口又带 X/Z 前缀。
var krakenAssetAliases = map[string]string{
	"BTC":  "XBT",
	"DOGE": "XDG",
}

// Kraken 为 Kraken Spot 适配器。
// 认证：API-Sign = base64(HMAC-SHA512(b64decode(secret), path ‖ SHA256(nonce ‖ body)))，
// nonce 取毫秒时间戳且严格单调递增。
type Kraken struct {
	apiKey    string
	secret    []byte
	quote     string
	nonce     atomic.Int64
	transport *transport
	logger    *zap.Logger
}

// NewKraken 构造适配器。secret 必须是 base64 编码的私钥。
func NewKraken(cfg config.ExchangeConfig, logger *zap.Logger) (*Kraken, error) {
	if cfg.APIKey == "" || cfg.SecretKey == "" {
		return nil, errors.New("kraken: 缺少 api_key 或 secret_key")
	}
	secret, err := base64.StdEncoding.DecodeString(cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("kraken: secret_key 不是合法 base64: %w", err)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultKrakenBaseURL
	}
	quote := cfg.QuoteCurrency
	if quote == "" {
		quote = "USD"
	}

	return &Kraken{
		apiKey:    cfg.APIKey,
		secret:    secret,
		quote:     quote,
		transport: newTransport(baseURL, cfg.Timeout, PolicyFromConfig(cfg.Retry), logger),
		logger:    logger,
	}, nil
}

// Name 返回交易所标识。
func (k *Kraken) Name() string { return "kraken" }

// QuoteCurrency 返回计价货币。
func (k *Kraken) QuoteCurrency() string { return k.quote }

func krakenAsset(symbol string) string {
	if alias, ok := krakenAssetAliases[symbol]; ok {
		return alias
	}
	return symbol
}

func (k *Kraken) pair(symbol string) string {
	return krakenAsset(symbol) + k.quote
}

// nextNonce 返回严格单调递增的毫秒 nonce。
// 同一毫秒内的并发调用通过 CAS 逐次 +1。
func (k *Kraken) nextNonce() int64 {
	for {
		now := time.Now().UnixMilli()
		prev := k.nonce.Load()
		next := now
		if next <= prev {
			next = prev + 1
		}
		if k.nonce.CompareAndSwap(prev, next) {
			return next
		}
	}
}

func (k *Kraken) sign(path string, body string, nonce string) string {
	inner := sha256.Sum256([]byte(nonce + body))
	mac := hmac.New(sha512.New, k.secret)
	mac.Write([]byte(path))
	mac.Write(inner[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type krakenEnvelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// krakenError 为应答信封里携带的业务错误。
type krakenError struct {
	messages []string
}

func (e *krakenError) Error() string {
	return "kraken: 接口报错: " + strings.Join(e.messages, "; ")
}

func parseKrakenEnvelope(body []byte) (json.RawMessage, error) {
	var env krakenEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("kraken: 解析应答失败: %w", err)
	}
	if len(env.Error) > 0 {
		return nil, &krakenError{messages: env.Error}
	}
	return env.Result, nil
}

// private 发起签名 POST 请求；每次尝试刷新 nonce 并重新签名。
func (k *Kraken) private(ctx context.Context, path string, values url.Values) (json.RawMessage, error) {
	body, err := k.transport.do(ctx, "POST "+path, func(ctx context.Context) (*resty.Response, error) {
		form := url.Values{}
		for key, vs := range values {
			form[key] = vs
		}
		nonce := strconv.FormatInt(k.nextNonce(), 10)
		form.Set("nonce", nonce)
		encoded := form.Encode()

		return k.transport.http.R().
			SetContext(ctx).
			SetHeader("API-Key", k.apiKey).
			SetHeader("API-Sign", k.sign(path, encoded, nonce)).
			SetHeader("Content-Type", "application/x-www-form-urlencoded").
			SetBody(encoded).
			Post(path)
	})
	if err != nil {
		return nil, err
	}
	return parseKrakenEnvelope(body)
}

func (k *Kraken) public(ctx context.Context, path string, values url.Values) (json.RawMessage, error) {
	body, err := k.transport.do(ctx, "GET "+path, func(ctx context.Context) (*resty.Response, error) {
		return k.transport.http.R().
			SetContext(ctx).
			SetQueryParamsFromValues(values).
			Get(path)
	})
	if err != nil {
		return nil, err
	}
	return parseKrakenEnvelope(body)
}

// GetPrice 查询最新成交价。Kraken 的历史交易对可能带 X 前缀，
// 原名查不到时补一次带前缀的尝试。
func (k *Kraken) GetPrice(ctx context.Context, symbol string) (float64, error) {
	pair := k.pair(symbol)
	price, err := k.tickerPrice(ctx, pair)
	if err == nil {
		return price, nil
	}

	var kerr *krakenError
	if errors.Is(err, ErrNoPrice) || errors.As(err, &kerr) {
		return k.tickerPrice(ctx, "X"+pair)
	}
	return 0, err
}

func (k *Kraken) tickerPrice(ctx context.Context, pair string) (float64, error) {
	result, err := k.public(ctx, "/0/public/Ticker", url.Values{"pair": {pair}})
	if err != nil {
		return 0, err
	}

	var tickers map[string]struct {
		C []string `json:"c"`
	}
	if err := json.Unmarshal(result, &tickers); err != nil {
		return 0, fmt.Errorf("kraken: 解析行情失败: %w", err)
	}
	for _, t := range tickers {
		if len(t.C) == 0 || t.C[0] == "" {
			continue
		}
		price, parseErr := strconv.ParseFloat(t.C[0], 64)
		if parseErr != nil {
			return 0, fmt.Errorf("kraken: 非法价格 %q: %w", t.C[0], parseErr)
		}
		// 零价或负价视同无行情，否则 BUY 换算会除出 Inf。
		if price <= 0 {
			continue
		}
		return price, nil
	}
	return 0, ErrNoPrice
}

// normalizeKrakenAsset 把余额接口的资产名还原成常规符号。
func normalizeKrakenAsset(asset string) string {
	trimmed := asset
	if len(trimmed) > 1 && (trimmed[0] == 'X' || trimmed[0] == 'Z') {
		trimmed = trimmed[1:]
	}
	switch trimmed {
	case "XBT", "BT":
		return "BTC"
	case "XDG", "DG":
		return "DOGE"
	}
	return trimmed
}

// GetBalances 返回 币种 -> 可用余额。
func (k *Kraken) GetBalances(ctx context.Context) (map[string]float64, error) {
	result, err := k.private(ctx, "/0/private/Balance", nil)
	if err != nil {
		return nil, err
	}

	var raw map[string]string
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("kraken: 解析余额失败: %w", err)
	}

	balances := make(map[string]float64, len(raw))
	for asset, amount := range raw {
		value, parseErr := strconv.ParseFloat(amount, 64)
		if parseErr != nil {
			continue
		}
		balances[normalizeKrakenAsset(asset)] = value
	}
	return balances, nil
}

// PlaceMarketOrder 提交市价委托。Kraken 只接受按基础数量下单，
// BUY 先按最新价把计价金额换算成基础数量。
func (k *Kraken) PlaceMarketOrder(ctx context.Context, order Order) (*OrderResult, error) {
	pair := k.pair(order.Symbol)

	var volume float64
	switch order.Side {
	case SideBuy:
		if order.QuoteAmount <= 0 {
			return nil, errors.New("kraken: BUY 需要正的计价金额")
		}
		price, err := k.GetPrice(ctx, order.Symbol)
		if err != nil {
			return nil, fmt.Errorf("kraken: BUY 换算基础数量失败: %w", err)
		}
		volume = order.QuoteAmount / price
	case SideSell:
		if order.BaseAmount <= 0 {
			return nil, errors.New("kraken: SELL 需要正的基础数量")
		}
		volume = order.BaseAmount
	default:
		return nil, fmt.Errorf("kraken: 非法方向 %q", order.Side)
	}

	volumeStr := QuantizeFloor(volume, StepFromDecimals(8))
	if volumeStr == "0" {
		return nil, fmt.Errorf("kraken: 量化后数量为0 (%s)", pair)
	}

	values := url.Values{
		"pair":      {pair},
		"type":      {strings.ToLower(string(order.Side))},
		"ordertype": {"market"},
		"volume":    {volumeStr},
	}
	if order.ClientOrderID != "" {
		values.Set("userref", krakenUserRef(order.ClientOrderID))
	}

	result, err := k.private(ctx, "/0/private/AddOrder", values)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Txid  []string `json:"txid"`
		Descr struct {
			Order string `json:"order"`
		} `json:"descr"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("kraken: 解析下单回执失败: %w", err)
	}
	if len(resp.Txid) == 0 {
		return nil, fmt.Errorf("kraken: 下单回执缺少 txid: %s", resp.Descr.Order)
	}

	filled, _ := strconv.ParseFloat(volumeStr, 64)
	return &OrderResult{OrderID: resp.Txid[0], FilledBase: filled}, nil
}

// krakenUserRef 把客户端订单号折叠成 Kraken 要求的 int32 userref。
func krakenUserRef(clientOrderID string) string {
	var h uint32
	for i := 0; i < len(clientOrderID); i++ {
		h = h*31 + uint32(clientOrderID[i])
	}
	return strconv.FormatUint(uint64(h&0x7fffffff), 10)
}
