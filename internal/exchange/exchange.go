package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"cryptobot-trader/internal/config"
)

var (
	// ErrNoPrice 表示交易所没有返回可用的行情价格。
	ErrNoPrice = errors.New("exchange: price unavailable")
	// ErrNetwork 表示请求在重试耗尽后仍未成功。
	ErrNetwork = errors.New("exchange: request failed after retries")
)

// APIError 为交易所返回的不可重试响应（429 与 5xx 之外的非 2xx）。
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange: http %d: %s", e.Status, e.Body)
}

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 429 || apiErr.Status >= 500
	}
	return false
}

// Side 表示下单方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Order 描述一次市价委托。
// BUY 以 QuoteAmount（计价货币）计量，SELL 以 BaseAmount（基础货币）计量。
type Order struct {
	Symbol        string
	Side          Side
	BaseAmount    float64
	QuoteAmount   float64
	ClientOrderID string
}

// OrderResult 为下单成功后的回执摘要。
type OrderResult struct {
	OrderID    string
	FilledBase float64
	AvgPrice   float64
}

// Exchange 为现货交易所适配器的统一契约。
type Exchange interface {
	Name() string
	QuoteCurrency() string
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetBalances(ctx context.Context) (map[string]float64, error)
	PlaceMarketOrder(ctx context.Context, order Order) (*OrderResult, error)
}

// New 根据配置构造对应的交易所适配器。
func New(cfg config.ExchangeConfig, logger *zap.Logger) (Exchange, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch strings.ToLower(cfg.Name) {
	case "coinbase":
		return NewCoinbase(cfg, logger)
	case "mexc":
		return NewMEXC(cfg, logger)
	case "kraken":
		return NewKraken(cfg, logger)
	default:
		return nil, fmt.Errorf("不支持的交易所: %q", cfg.Name)
	}
}
