// Package engine 实现单币种的周期决策函数：
// 综合技术指标、自适应阈值与持久化的成交历史，产出买入/卖出/持有动作。
package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cryptobot-trader/internal/config"
	"cryptobot-trader/internal/exchange"
	"cryptobot-trader/internal/indicator"
	"cryptobot-trader/internal/store"
)

const (
	// 价格须落在趋势均线 ±5% 内才进入信号评估，人工指令不受此限。
	trendProximityPct = 0.05

	buyCooldown       = 120 * time.Second
	upDriftCooldown   = 900 * time.Second
	downDriftCooldown = 3600 * time.Second

	stochPeriod  = 14
	stochSmoothK = 3
	stochSmoothD = 3
	stochLow     = 0.2
	stochHigh    = 0.8

	bollingerWidth  = 2.0
	macdSellConfirm = 3
)

// Action 为一次周期评估的结论。
type Action string

const (
	ActionHold Action = "HOLD"
	ActionSkip Action = "SKIP"
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Decision 汇总一次评估的结果，供调度器记录与上报。
type Decision struct {
	Symbol string
	Action Action
	Reason string
	Price  float64
	Order  *exchange.OrderResult
	Err    error
}

// OrderPlacer 是引擎对交易所的最小依赖。
type OrderPlacer interface {
	PlaceMarketOrder(ctx context.Context, order exchange.Order) (*exchange.OrderResult, error)
}

// Ledger 是引擎对状态存储的最小依赖。
type Ledger interface {
	AppendTrade(ctx context.Context, trade store.TradeRecord) error
	WeightedAvgBuyPrice(ctx context.Context, symbol string) (float64, bool, error)
	SaveState(ctx context.Context, record store.StateRecord) error
}

// Notifier 发送尽力而为的成交通知，失败只记日志。
type Notifier interface {
	Send(ctx context.Context, message string) error
}

// Engine 按配置驱动所有币种的决策。
type Engine struct {
	trading  config.TradingConfig
	quote    string
	placer   OrderPlacer
	ledger   Ledger
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

// New 构造决策引擎。notifier 可以为 nil。
func New(trading config.TradingConfig, quote string, placer OrderPlacer, ledger Ledger, notifier Notifier, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		trading:  trading,
		quote:    quote,
		placer:   placer,
		ledger:   ledger,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Evaluate 对单个币种执行一个完整决策周期，结束时无条件持久化状态。
func (e *Engine) Evaluate(ctx context.Context, st *State, coin config.CoinConfig, price float64, balances map[string]float64) Decision {
	decision := e.evaluate(ctx, st, coin, price, balances)

	if err := e.ledger.SaveState(ctx, st.Record()); err != nil {
		// 持久化失败不终止循环，内存状态下个周期继续使用。
		e.logger.Error("保存交易状态失败", zap.String("symbol", st.Symbol), zap.Error(err))
	}
	return decision
}

func (e *Engine) evaluate(ctx context.Context, st *State, coin config.CoinConfig, price float64, balances map[string]float64) Decision {
	symbol := st.Symbol
	held := balances[symbol]
	quoteBalance := balances[e.quote]

	if !st.AppendPrice(price) {
		return Decision{Symbol: symbol, Action: ActionSkip, Reason: "价格未变化", Price: price}
	}

	if held > 0 && price > st.PeakPrice {
		st.PeakPrice = price
	}
	// 追踪止损价仅用于观测输出，不构成卖出条件。
	trailingStop := 0.0
	if coin.TrailPercent > 0 && st.PeakPrice > 0 {
		trailingStop = st.PeakPrice * (1 - coin.TrailPercent/100)
	}

	needed := coin.MACDLongWindow + coin.MACDSignalWindow
	if coin.RSIPeriod+1 > needed {
		needed = coin.RSIPeriod + 1
	}
	if len(st.History) < needed {
		e.logger.Debug("历史样本不足，跳过本周期",
			zap.String("symbol", symbol),
			zap.Int("have", len(st.History)),
			zap.Int("need", needed),
		)
		return Decision{Symbol: symbol, Action: ActionSkip, Reason: "历史样本不足", Price: price}
	}

	longMA, ok := indicator.MovingAverage(st.History, config.LongTermMAPeriod)
	if !ok {
		return Decision{Symbol: symbol, Action: ActionSkip, Reason: "长期均线未就绪", Price: price}
	}

	// 动态阈值：静态百分比 × 波动率因子。
	factor := 1.0
	if vol, okV := indicator.Volatility(st.History, coin.VolatilityWindow); okV {
		factor = clamp(1+math.Abs(vol), 0.5, 1.5)
	}
	dynamicBuy := coin.BuyPercentage * factor
	dynamicSell := coin.SellPercentage * factor

	refBuy := st.InitialPrice
	hasPosition := false
	if avg, okAvg, err := e.ledger.WeightedAvgBuyPrice(ctx, symbol); err != nil {
		e.logger.Error("读取参考买入价失败", zap.String("symbol", symbol), zap.Error(err))
	} else if okAvg {
		refBuy = avg
		hasPosition = true
		st.AvgBuyPrice = &avg
	} else {
		st.AvgBuyPrice = nil
	}

	manual := st.ManualCmd
	if trendMA, okT := indicator.MovingAverage(st.History, coin.TrendWindow); okT && manual == "" {
		if math.Abs(price-trendMA)/trendMA > trendProximityPct {
			return Decision{Symbol: symbol, Action: ActionHold, Reason: "价格偏离趋势均线", Price: price}
		}
	}

	macd, signal, _, okMACD := indicator.MACD(st.History, coin.MACDShortWindow, coin.MACDLongWindow, coin.MACDSignalWindow)
	if okMACD {
		e.updateMACDConfirm(st, macd, signal)
	}

	var rsi float64
	if v, okR := indicator.RSI(st.History, coin.RSIPeriod); okR {
		rsi = v
		st.PushRSI(v)
	}

	stochK, stochD, okStoch := indicator.StochRSI(st.RSIHistory, stochPeriod, stochSmoothK, stochSmoothD)
	stochBullish := okStoch && stochK > stochD && stochK < stochLow
	stochBearish := okStoch && stochK < stochD && stochK > stochHigh

	upperBB, midBB, lowerBB, okBB := indicator.Bollinger(st.History, coin.TrendWindow, bollingerWidth)

	e.driftAnchor(st, coin, price, longMA, dynamicSell, held)

	priceChange := (price - st.InitialPrice) / st.InitialPrice * 100

	entryBand := okBB && (price < lowerBB || (price < midBB && stochBullish))
	dropOrRebuy := (!hasPosition && priceChange <= dynamicBuy) ||
		(hasPosition && price < refBuy*(1-coin.RebuyDiscount/100))
	cooldownOK := st.LastBuyTime.IsZero() || e.now().Sub(st.LastBuyTime) > buyCooldown

	buySignal := entryBand && dropOrRebuy && price < longMA &&
		cooldownOK && st.RisingStreak > 1 && quoteBalance > 0
	shouldBuy := manual == "BUY" || buySignal

	profitGate := price > refBuy*(1+dynamicSell/100)
	exitBand := okBB && (price > upperBB ||
		(okMACD && macd < signal && st.MACDSellConfirm >= macdSellConfirm && stochBearish && price > midBB))

	sellSignal := held > 0 && st.FallingStreak > 1 && profitGate && exitBand
	shouldSell := manual == "SELL" || sellSignal

	if shouldBuy {
		return e.executeBuy(ctx, st, coin, price, quoteBalance)
	}
	if shouldSell {
		return e.executeSell(ctx, st, coin, price, refBuy, held, longMA)
	}

	e.logger.Debug("无交易信号",
		zap.String("symbol", symbol),
		zap.Float64("price", price),
		zap.Float64("anchor", st.InitialPrice),
		zap.Float64("price_change_pct", priceChange),
		zap.Float64("dynamic_buy", dynamicBuy),
		zap.Float64("dynamic_sell", dynamicSell),
		zap.Float64("trailing_stop", trailingStop),
		zap.Float64("rsi", rsi),
		zap.Bool("entry_band", entryBand),
		zap.Bool("drop_or_rebuy", dropOrRebuy),
		zap.Bool("cooldown_ok", cooldownOK),
		zap.Int("rising_streak", st.RisingStreak),
		zap.Int("falling_streak", st.FallingStreak),
	)
	return Decision{Symbol: symbol, Action: ActionHold, Price: price}
}

// updateMACDConfirm 按金叉/死叉调整确认计数，计数不破零。
func (e *Engine) updateMACDConfirm(st *State, macd, signal float64) {
	if st.hasPrevMACD {
		switch {
		case st.prevMACD <= st.prevSignal && macd > signal:
			st.MACDBuyConfirm++
			st.MACDSellConfirm = decay(st.MACDSellConfirm)
		case st.prevMACD >= st.prevSignal && macd < signal:
			st.MACDSellConfirm++
			st.MACDBuyConfirm = decay(st.MACDBuyConfirm)
		default:
			st.MACDBuyConfirm = decay(st.MACDBuyConfirm)
			st.MACDSellConfirm = decay(st.MACDSellConfirm)
		}
	}
	st.prevMACD, st.prevSignal, st.hasPrevMACD = macd, signal, true
}

// driftAnchor 执行锚点价漂移，两条规则互斥，单周期至多命中一条。
func (e *Engine) driftAnchor(st *State, coin config.CoinConfig, price, longMA, dynamicSell, held float64) {
	now := e.now()
	sinceBuy := now.Sub(st.LastBuyTime)
	if st.LastBuyTime.IsZero() {
		sinceBuy = downDriftCooldown + time.Second
	}

	priceChange := (price - st.InitialPrice) / st.InitialPrice * 100

	switch {
	case sinceBuy > upDriftCooldown && priceChange >= dynamicSell &&
		price > st.InitialPrice*1.05 && price > longMA:
		st.InitialPrice = 0.9*st.InitialPrice + 0.1*longMA
		e.logger.Info("锚点价上移",
			zap.String("symbol", st.Symbol),
			zap.Float64("anchor", st.InitialPrice),
		)
	case sinceBuy > downDriftCooldown && held*price < 1 && price < st.InitialPrice*0.95:
		st.InitialPrice = 0.9*st.InitialPrice + 0.1*price
		e.logger.Info("锚点价下移",
			zap.String("symbol", st.Symbol),
			zap.Float64("anchor", st.InitialPrice),
		)
	}
}

func (e *Engine) executeBuy(ctx context.Context, st *State, coin config.CoinConfig, price, quoteBalance float64) Decision {
	symbol := st.Symbol
	spend := quoteBalance * e.trading.BuyPercentage / 100

	if spend < coin.MinOrderSizes.Buy || spend <= 0 {
		st.ManualCmd = ""
		e.logger.Warn("买入金额低于最小下单量",
			zap.String("symbol", symbol),
			zap.Float64("spend", spend),
			zap.Float64("min", coin.MinOrderSizes.Buy),
		)
		return Decision{Symbol: symbol, Action: ActionHold, Reason: "金额低于最小下单量", Price: price}
	}

	result, err := e.placer.PlaceMarketOrder(ctx, exchange.Order{
		Symbol:        symbol,
		Side:          exchange.SideBuy,
		QuoteAmount:   spend,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		// 人工指令只生效一个周期，失败不自动重试。
		st.ManualCmd = ""
		e.logger.Error("买入下单失败", zap.String("symbol", symbol), zap.Error(err))
		return Decision{Symbol: symbol, Action: ActionBuy, Reason: "下单失败", Price: price, Err: err}
	}

	st.ManualCmd = ""
	st.TotalTrades++
	st.LastBuyTime = e.now()
	st.PeakPrice = price

	filled := result.FilledBase
	if filled <= 0 && price > 0 {
		filled = spend / price
	}
	if err := e.ledger.AppendTrade(ctx, store.TradeRecord{
		Symbol: symbol, Side: "BUY", Amount: filled, Price: fillPrice(result, price), Timestamp: e.now(),
	}); err != nil {
		e.logger.Error("记录买入成交失败", zap.String("symbol", symbol), zap.Error(err))
	}
	if avg, ok, err := e.ledger.WeightedAvgBuyPrice(ctx, symbol); err == nil && ok {
		st.AvgBuyPrice = &avg
	}

	e.logger.Info("买入成交",
		zap.String("symbol", symbol),
		zap.Float64("spend", spend),
		zap.Float64("price", price),
		zap.String("order_id", result.OrderID),
	)
	e.notify(ctx, fmt.Sprintf("✅ 买入 %s：花费 %.2f %s @ %.6f", symbol, spend, e.quote, price))

	return Decision{Symbol: symbol, Action: ActionBuy, Price: price, Order: result}
}

func (e *Engine) executeSell(ctx context.Context, st *State, coin config.CoinConfig, price, refBuy, held, longMA float64) Decision {
	symbol := st.Symbol

	amount := held * e.trading.SellPercentage / 100
	step := math.Pow(10, -float64(coin.Precision.Amount))
	amount = math.Floor(amount/step) * step
	if maxAmount := held - step; amount > maxAmount {
		amount = math.Floor(maxAmount/step) * step
	}

	if amount <= 0 || amount < coin.MinOrderSizes.Sell {
		st.ManualCmd = ""
		e.logger.Warn("卖出数量不足，忽略本次信号",
			zap.String("symbol", symbol),
			zap.Float64("amount", amount),
			zap.Float64("held", held),
		)
		return Decision{Symbol: symbol, Action: ActionHold, Reason: "卖出数量不足", Price: price}
	}

	result, err := e.placer.PlaceMarketOrder(ctx, exchange.Order{
		Symbol:        symbol,
		Side:          exchange.SideSell,
		BaseAmount:    amount,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		st.ManualCmd = ""
		e.logger.Error("卖出下单失败", zap.String("symbol", symbol), zap.Error(err))
		return Decision{Symbol: symbol, Action: ActionSell, Reason: "下单失败", Price: price, Err: err}
	}

	st.ManualCmd = ""
	st.TotalTrades++
	profit := (price - refBuy) * amount
	st.TotalProfit += profit
	// 卖出后锚点回落到长期均线，重新武装入场条件。
	st.InitialPrice = longMA
	st.AvgBuyPrice = nil
	st.PeakPrice = price

	if err := e.ledger.AppendTrade(ctx, store.TradeRecord{
		Symbol: symbol, Side: "SELL", Amount: amount, Price: fillPrice(result, price), Timestamp: e.now(),
	}); err != nil {
		e.logger.Error("记录卖出成交失败", zap.String("symbol", symbol), zap.Error(err))
	}

	e.logger.Info("卖出成交",
		zap.String("symbol", symbol),
		zap.Float64("amount", amount),
		zap.Float64("price", price),
		zap.Float64("profit", profit),
		zap.String("order_id", result.OrderID),
	)
	e.notify(ctx, fmt.Sprintf("💰 卖出 %s：%.8f @ %.6f，本次盈亏 %.4f %s", symbol, amount, price, profit, e.quote))

	return Decision{Symbol: symbol, Action: ActionSell, Price: price, Order: result}
}

func (e *Engine) notify(ctx context.Context, message string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Send(ctx, message); err != nil {
		e.logger.Warn("发送通知失败", zap.Error(err))
	}
}

func fillPrice(result *exchange.OrderResult, fallback float64) float64 {
	if result != nil && result.AvgPrice > 0 {
		return result.AvgPrice
	}
	return fallback
}

func decay(counter int) int {
	if counter > 0 {
		return counter - 1
	}
	return 0
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
