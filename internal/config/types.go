package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// LongTermMAPeriod 为长期均线所需的最少样本数，价格窗口必须覆盖它。
const LongTermMAPeriod = 200

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig             `mapstructure:"app"`
	Exchange  ExchangeConfig        `mapstructure:"exchange"`
	Trading   TradingConfig         `mapstructure:"trading"`
	Coins     map[string]CoinConfig `mapstructure:"coins"`
	Telegram  TelegramConfig        `mapstructure:"telegram"`
	Database  DatabaseConfig        `mapstructure:"database"`
	Logging   LoggingConfig         `mapstructure:"logging"`
	Scheduler SchedulerConfig       `mapstructure:"scheduler"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangeConfig 描述交易所连接与签名凭证。
// coinbase 使用 key_name + private_key(PEM)；mexc 使用 api_key + secret_key；
// kraken 使用 api_key + secret_key(base64)。
type ExchangeConfig struct {
	Name          string        `mapstructure:"name"`
	QuoteCurrency string        `mapstructure:"quote_currency"`
	BaseURL       string        `mapstructure:"base_url"`
	KeyName       string        `mapstructure:"key_name"`
	PrivateKey    string        `mapstructure:"private_key"`
	APIKey        string        `mapstructure:"api_key"`
	SecretKey     string        `mapstructure:"secret_key"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Retry         RetryConfig   `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	JitterMax   time.Duration `mapstructure:"jitter_max"`
}

// TradingConfig 控制全局下单比例。
type TradingConfig struct {
	BuyPercentage  float64 `mapstructure:"buy_percentage"`
	SellPercentage float64 `mapstructure:"sell_percentage"`
}

// PrecisionConfig 描述交易对的小数位。
type PrecisionConfig struct {
	Price  int `mapstructure:"price"`
	Amount int `mapstructure:"amount"`
}

// MinOrderConfig 描述交易所最小下单量。
// Buy 以计价货币计，Sell 以基础货币计。
type MinOrderConfig struct {
	Buy  float64 `mapstructure:"buy"`
	Sell float64 `mapstructure:"sell"`
}

// CoinConfig 为单一币种的策略参数。
// buy_percentage 为负值时表示相对锚点价的跌幅阈值。
type CoinConfig struct {
	Enabled          bool            `mapstructure:"enabled"`
	BuyPercentage    float64         `mapstructure:"buy_percentage"`
	SellPercentage   float64         `mapstructure:"sell_percentage"`
	RebuyDiscount    float64         `mapstructure:"rebuy_discount"`
	VolatilityWindow int             `mapstructure:"volatility_window"`
	TrendWindow      int             `mapstructure:"trend_window"`
	MACDShortWindow  int             `mapstructure:"macd_short_window"`
	MACDLongWindow   int             `mapstructure:"macd_long_window"`
	MACDSignalWindow int             `mapstructure:"macd_signal_window"`
	RSIPeriod        int             `mapstructure:"rsi_period"`
	TrailPercent     float64         `mapstructure:"trail_percent"`
	Precision        PrecisionConfig `mapstructure:"precision"`
	MinOrderSizes    MinOrderConfig  `mapstructure:"min_order_sizes"`
}

// TelegramConfig 控制成交通知。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// FileLogConfig 控制日志文件切割，path 为空时不写文件。
type FileLogConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level       string        `mapstructure:"level"`
	Encoding    string        `mapstructure:"encoding"`
	Development bool          `mapstructure:"development"`
	File        FileLogConfig `mapstructure:"file"`
}

// SchedulerConfig 控制主循环节奏。
type SchedulerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// EnabledSymbols 返回启用币种的有序列表。
func (c *Config) EnabledSymbols() []string {
	symbols := make([]string, 0, len(c.Coins))
	for symbol, coin := range c.Coins {
		if coin.Enabled {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)
	return symbols
}

// HistoryCapacity 返回价格窗口容量：所有启用币种窗口的最大值。
func (c *Config) HistoryCapacity() int {
	capacity := 0
	for _, coin := range c.Coins {
		if !coin.Enabled {
			continue
		}
		if coin.VolatilityWindow > capacity {
			capacity = coin.VolatilityWindow
		}
		if coin.TrendWindow > capacity {
			capacity = coin.TrendWindow
		}
	}
	return capacity
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}

	switch strings.ToLower(c.Exchange.Name) {
	case "coinbase":
		if c.Exchange.KeyName == "" || c.Exchange.PrivateKey == "" {
			err = multierr.Append(err, errors.New("coinbase 需要配置 key_name 与 private_key"))
		}
	case "mexc", "kraken":
		if c.Exchange.APIKey == "" || c.Exchange.SecretKey == "" {
			err = multierr.Append(err, fmt.Errorf("%s 需要配置 api_key 与 secret_key", c.Exchange.Name))
		}
	case "":
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
	default:
		err = multierr.Append(err, fmt.Errorf("不支持的交易所: %q", c.Exchange.Name))
	}

	if c.Exchange.QuoteCurrency == "" {
		err = multierr.Append(err, errors.New("exchange.quote_currency 不能为空"))
	}
	if c.Exchange.Timeout <= 0 {
		err = multierr.Append(err, errors.New("exchange.timeout 必须大于0"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.BaseDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.base_delay 必须为正"))
	}
	if c.Exchange.Retry.JitterMax < 0 {
		err = multierr.Append(err, errors.New("exchange.retry.jitter_max 不能为负"))
	}

	if c.Trading.BuyPercentage <= 0 || c.Trading.BuyPercentage > 100 {
		err = multierr.Append(err, errors.New("trading.buy_percentage 必须位于(0,100]"))
	}
	if c.Trading.SellPercentage <= 0 || c.Trading.SellPercentage > 100 {
		err = multierr.Append(err, errors.New("trading.sell_percentage 必须位于(0,100]"))
	}

	if len(c.EnabledSymbols()) == 0 {
		err = multierr.Append(err, errors.New("coins 至少启用一个币种"))
	}

	for symbol, coin := range c.Coins {
		if !coin.Enabled {
			continue
		}
		if coin.VolatilityWindow <= 1 {
			err = multierr.Append(err, fmt.Errorf("coins.%s.volatility_window 必须大于1", symbol))
		}
		if coin.TrendWindow <= 0 {
			err = multierr.Append(err, fmt.Errorf("coins.%s.trend_window 必须大于0", symbol))
		}
		if coin.MACDShortWindow <= 0 || coin.MACDLongWindow <= coin.MACDShortWindow || coin.MACDSignalWindow <= 0 {
			err = multierr.Append(err, fmt.Errorf("coins.%s MACD 窗口配置非法", symbol))
		}
		if coin.RSIPeriod <= 1 {
			err = multierr.Append(err, fmt.Errorf("coins.%s.rsi_period 必须大于1", symbol))
		}
		if coin.RebuyDiscount < 0 {
			err = multierr.Append(err, fmt.Errorf("coins.%s.rebuy_discount 不能为负", symbol))
		}
		if coin.TrailPercent < 0 {
			err = multierr.Append(err, fmt.Errorf("coins.%s.trail_percent 不能为负", symbol))
		}
		if coin.Precision.Price < 0 || coin.Precision.Amount < 0 {
			err = multierr.Append(err, fmt.Errorf("coins.%s.precision 不能为负", symbol))
		}
		if coin.MinOrderSizes.Buy < 0 || coin.MinOrderSizes.Sell < 0 {
			err = multierr.Append(err, fmt.Errorf("coins.%s.min_order_sizes 不能为负", symbol))
		}

		capacity := coin.VolatilityWindow
		if coin.TrendWindow > capacity {
			capacity = coin.TrendWindow
		}
		needed := coin.MACDLongWindow + coin.MACDSignalWindow
		if coin.RSIPeriod+1 > needed {
			needed = coin.RSIPeriod + 1
		}
		if capacity < needed {
			err = multierr.Append(err, fmt.Errorf("coins.%s 价格窗口(%d)不足以计算指标(需要%d)", symbol, capacity, needed))
		}
		if capacity < LongTermMAPeriod {
			err = multierr.Append(err, fmt.Errorf("coins.%s 价格窗口(%d)必须覆盖长期均线(%d)", symbol, capacity, LongTermMAPeriod))
		}
	}

	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == "") {
		err = multierr.Append(err, errors.New("telegram 启用时需要配置 bot_token 与 chat_id"))
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}

	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}

	if c.Scheduler.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.poll_interval 必须大于0"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
