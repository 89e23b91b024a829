package exchange

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"cryptobot-trader/internal/config"
)

const (
	defaultCoinbaseHost = "api.coinbase.com"
	coinbaseJWTTTL      = 120 * time.Second
	cbVersion           = "2024-02-05"
)

// Coinbase 为 Coinbase Advanced Trade 适配器。
// 认证采用 CDP 方案：每个请求单独签发一枚绑定 method+host+path 的
// 短时效 ES256 JWT，绝不缓存复用。
type Coinbase struct {
	keyName    string
	privateKey *ecdsa.PrivateKey
	host       string
	quote      string
	transport  *transport
	logger     *zap.Logger
}

// NewCoinbase 解析 PEM 私钥并构造适配器。
func NewCoinbase(cfg config.ExchangeConfig, logger *zap.Logger) (*Coinbase, error) {
	key, err := parseECPrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("coinbase: 解析私钥失败: %w", err)
	}

	host := cfg.BaseURL
	if host == "" {
		host = defaultCoinbaseHost
	}

	quote := cfg.QuoteCurrency
	if quote == "" {
		quote = "USDC"
	}

	return &Coinbase{
		keyName:    cfg.KeyName,
		privateKey: key,
		host:       host,
		quote:      quote,
		transport:  newTransport("https://"+host, cfg.Timeout, PolicyFromConfig(cfg.Retry), logger),
		logger:     logger,
	}, nil
}

// Name 返回交易所标识。
func (c *Coinbase) Name() string { return "coinbase" }

// QuoteCurrency 返回计价货币。
func (c *Coinbase) QuoteCurrency() string { return c.quote }

func (c *Coinbase) buildJWT(method, path string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": c.keyName,
		"iss": "cdp",
		"nbf": now.Unix(),
		"exp": now.Add(coinbaseJWTTTL).Unix(),
		"uri": fmt.Sprintf("%s %s%s", method, c.host, path),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = c.keyName
	token.Header["nonce"] = randomHex(16)

	signed, err := token.SignedString(c.privateKey)
	if err != nil {
		return "", fmt.Errorf("coinbase: 签发JWT失败: %w", err)
	}
	return signed, nil
}

func (c *Coinbase) request(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	return c.transport.do(ctx, method+" "+path, func(ctx context.Context) (*resty.Response, error) {
		token, err := c.buildJWT(method, path)
		if err != nil {
			return nil, err
		}

		req := c.transport.http.R().
			SetContext(ctx).
			SetHeader("Authorization", "Bearer "+token).
			SetHeader("Content-Type", "application/json").
			SetHeader("CB-VERSION", cbVersion)
		if body != nil {
			req.SetBody(body)
		}
		return req.Execute(method, path)
	})
}

// GetPrice 查询 base/quote 现货最新价。
func (c *Coinbase) GetPrice(ctx context.Context, symbol string) (float64, error) {
	path := fmt.Sprintf("/api/v3/brokerage/products/%s-%s", symbol, c.quote)
	body, err := c.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}

	var payload struct {
		Price   string `json:"price"`
		Product struct {
			Price string `json:"price"`
		} `json:"product"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0, fmt.Errorf("coinbase: 解析行情失败: %w", err)
	}

	raw := payload.Price
	if raw == "" {
		raw = payload.Product.Price
	}
	if raw == "" {
		return 0, ErrNoPrice
	}

	price, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("coinbase: 非法价格 %q: %w", raw, err)
	}
	return price, nil
}

// GetBalances 返回 币种 -> 可用余额。
func (c *Coinbase) GetBalances(ctx context.Context) (map[string]float64, error) {
	body, err := c.request(ctx, http.MethodGet, "/api/v3/brokerage/accounts", nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Accounts []struct {
			Currency         string `json:"currency"`
			AvailableBalance struct {
				Value string `json:"value"`
			} `json:"available_balance"`
		} `json:"accounts"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("coinbase: 解析余额失败: %w", err)
	}

	balances := make(map[string]float64, len(payload.Accounts))
	for _, acct := range payload.Accounts {
		value, parseErr := strconv.ParseFloat(acct.AvailableBalance.Value, 64)
		if parseErr != nil {
			continue
		}
		balances[acct.Currency] = value
	}
	return balances, nil
}

// PlaceMarketOrder 提交 market IOC 委托。
// BUY 以 quote_size（两位小数，向下量化）、SELL 以 base_size（8位小数，向下量化）计量。
func (c *Coinbase) PlaceMarketOrder(ctx context.Context, order Order) (*OrderResult, error) {
	clientOrderID := order.ClientOrderID
	if clientOrderID == "" {
		clientOrderID = uuid.NewString()
	}

	ioc := map[string]string{}
	switch order.Side {
	case SideBuy:
		if order.QuoteAmount <= 0 {
			return nil, errors.New("coinbase: BUY 需要正的计价金额")
		}
		ioc["quote_size"] = QuantizeFloor(order.QuoteAmount, StepFromDecimals(2))
	case SideSell:
		if order.BaseAmount <= 0 {
			return nil, errors.New("coinbase: SELL 需要正的基础数量")
		}
		ioc["base_size"] = QuantizeFloor(order.BaseAmount, StepFromDecimals(8))
	default:
		return nil, fmt.Errorf("coinbase: 非法方向 %q", order.Side)
	}

	payload := map[string]interface{}{
		"client_order_id": clientOrderID,
		"product_id":      fmt.Sprintf("%s-%s", order.Symbol, c.quote),
		"side":            string(order.Side),
		"order_configuration": map[string]interface{}{
			"market_market_ioc": ioc,
		},
	}

	body, err := c.request(ctx, http.MethodPost, "/api/v3/brokerage/orders", payload)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Success         bool `json:"success"`
		SuccessResponse struct {
			OrderID string `json:"order_id"`
		} `json:"success_response"`
		ErrorResponse struct {
			Error        string `json:"error"`
			ErrorDetails string `json:"error_details"`
		} `json:"error_response"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("coinbase: 解析下单回执失败: %w", err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("coinbase: 下单被拒绝: %s %s", resp.ErrorResponse.Error, resp.ErrorResponse.ErrorDetails)
	}

	c.logger.Info("coinbase 下单成功",
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("orderId", resp.SuccessResponse.OrderID),
	)
	return &OrderResult{OrderID: resp.SuccessResponse.OrderID}, nil
}

func parseECPrivateKey(pemData string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("无效的 PEM 数据")
	}

	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("私钥不是 EC 类型")
	}
	return key, nil
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand 不可用时退回时间戳，仅影响 nonce 随机性
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(buf)
}
