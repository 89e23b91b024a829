package engine

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"cryptobot-trader/internal/config"
	"cryptobot-trader/internal/exchange"
	"cryptobot-trader/internal/store"
)

type mockPlacer struct {
	orders []exchange.Order
	err    error
}

func (m *mockPlacer) PlaceMarketOrder(ctx context.Context, order exchange.Order) (*exchange.OrderResult, error) {
	m.orders = append(m.orders, order)
	if m.err != nil {
		return nil, m.err
	}
	return &exchange.OrderResult{OrderID: "mock-order-1"}, nil
}

type mockLedger struct {
	trades []store.TradeRecord
	avg    float64
	hasAvg bool
	saved  []store.StateRecord
}

func (m *mockLedger) AppendTrade(ctx context.Context, trade store.TradeRecord) error {
	m.trades = append(m.trades, trade)
	return nil
}

func (m *mockLedger) WeightedAvgBuyPrice(ctx context.Context, symbol string) (float64, bool, error) {
	return m.avg, m.hasAvg, nil
}

func (m *mockLedger) SaveState(ctx context.Context, record store.StateRecord) error {
	m.saved = append(m.saved, record)
	return nil
}

func testCoin() config.CoinConfig {
	return config.CoinConfig{
		Enabled:          true,
		BuyPercentage:    -2,
		SellPercentage:   2,
		RebuyDiscount:    2,
		VolatilityWindow: 50,
		TrendWindow:      20,
		MACDShortWindow:  12,
		MACDLongWindow:   26,
		MACDSignalWindow: 9,
		RSIPeriod:        14,
		Precision:        config.PrecisionConfig{Price: 2, Amount: 8},
		MinOrderSizes:    config.MinOrderConfig{Buy: 5, Sell: 0.0001},
	}
}

func newTestEngine(placer *mockPlacer, ledger *mockLedger) *Engine {
	return New(
		config.TradingConfig{BuyPercentage: 20, SellPercentage: 100},
		"USDC",
		placer, ledger, nil, zap.NewNop(),
	)
}

// dipHistory 为触发买入设计：长期横盘后急跌，最后两笔小幅回升。
func dipHistory() []float64 {
	history := make([]float64, 0, 199)
	for i := 0; i < 196; i++ {
		history = append(history, 100)
	}
	return append(history, 95.0, 95.3, 95.6)
}

// driftHistory 为缓慢上行序列，不满足任何买入条件。
func driftHistory() []float64 {
	history := make([]float64, 0, 199)
	for i := 0; i < 199; i++ {
		history = append(history, 100+0.01*float64(i))
	}
	return history
}

// oversoldRSISeq 构造单调下行的 RSI 序列，末端回升即形成低位金叉。
func oversoldRSISeq() []float64 {
	return []float64{85, 80, 75, 70, 65, 60, 55, 50, 45, 40, 35, 30, 25, 20, 15, 10, 5}
}

func TestEvaluateTriggersBuyOnDip(t *testing.T) {
	placer := &mockPlacer{}
	ledger := &mockLedger{}
	e := newTestEngine(placer, ledger)

	st := NewState("BTC", 200, 100)
	st.History = dipHistory()
	st.RisingStreak = 1
	st.RSIHistory = oversoldRSISeq()

	balances := map[string]float64{"USDC": 1000}
	decision := e.Evaluate(context.Background(), st, testCoin(), 95.9, balances)

	if decision.Action != ActionBuy {
		t.Fatalf("expected BUY, got %s (reason %q)", decision.Action, decision.Reason)
	}
	if len(placer.orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(placer.orders))
	}

	order := placer.orders[0]
	if order.Side != exchange.SideBuy {
		t.Errorf("side = %s, want BUY", order.Side)
	}
	if order.QuoteAmount != 200 {
		t.Errorf("quote spend = %v, want balance*buy_fraction = 200", order.QuoteAmount)
	}
	if order.ClientOrderID == "" {
		t.Errorf("missing client order id")
	}

	if st.TotalTrades != 1 {
		t.Errorf("total trades = %d, want 1", st.TotalTrades)
	}
	if st.LastBuyTime.IsZero() {
		t.Errorf("last buy time must be stamped")
	}
	if st.PeakPrice != 95.9 {
		t.Errorf("peak = %v, want reset to fill price 95.9", st.PeakPrice)
	}
	if len(ledger.trades) != 1 || ledger.trades[0].Side != "BUY" {
		t.Errorf("ledger should record one BUY, got %+v", ledger.trades)
	}
	if len(ledger.saved) != 1 {
		t.Errorf("state must be persisted at cycle end, saved %d times", len(ledger.saved))
	}
}

func TestManualSellWithZeroBalanceIsRejected(t *testing.T) {
	placer := &mockPlacer{}
	ledger := &mockLedger{}
	e := newTestEngine(placer, ledger)

	st := NewState("BTC", 200, 100)
	st.History = driftHistory()
	st.ManualCmd = "SELL"

	balances := map[string]float64{"USDC": 100, "BTC": 0}
	decision := e.Evaluate(context.Background(), st, testCoin(), 101.99, balances)

	if len(placer.orders) != 0 {
		t.Fatalf("zero balance must not reach the exchange, got %d orders", len(placer.orders))
	}
	if st.ManualCmd != "" {
		t.Errorf("rejected override must still be cleared")
	}
	if decision.Action != ActionHold {
		t.Errorf("action = %s, want HOLD", decision.Action)
	}
}

func TestManualSellRealizesProfitAndResetsAnchor(t *testing.T) {
	placer := &mockPlacer{}
	ledger := &mockLedger{avg: 90, hasAvg: true}
	e := newTestEngine(placer, ledger)

	st := NewState("BTC", 200, 100)
	st.History = driftHistory()
	st.ManualCmd = "SELL"

	balances := map[string]float64{"USDC": 0, "BTC": 2}
	decision := e.Evaluate(context.Background(), st, testCoin(), 101.99, balances)

	if decision.Action != ActionSell {
		t.Fatalf("expected SELL, got %s (reason %q)", decision.Action, decision.Reason)
	}
	if len(placer.orders) != 1 {
		t.Fatalf("expected 1 order, got %d", len(placer.orders))
	}

	order := placer.orders[0]
	if order.Side != exchange.SideSell {
		t.Errorf("side = %s, want SELL", order.Side)
	}
	// 全仓卖出要扣除一个最小精度步长的安全边际。
	if order.BaseAmount >= 2 || order.BaseAmount < 1.9 {
		t.Errorf("base amount = %v, want just below held balance 2", order.BaseAmount)
	}

	// 卖出后锚点回到长期均线（200 样本均值）。
	wantAnchor := 100 + 0.01*99.5
	if math.Abs(st.InitialPrice-wantAnchor) > 1e-9 {
		t.Errorf("anchor = %v, want long-term MA %v", st.InitialPrice, wantAnchor)
	}
	if st.AvgBuyPrice != nil {
		t.Errorf("reference buy price must be cleared after a sell")
	}
	if st.ManualCmd != "" {
		t.Errorf("override must be cleared after execution")
	}

	wantProfit := (101.99 - 90) * order.BaseAmount
	if math.Abs(st.TotalProfit-wantProfit) > 1e-9 {
		t.Errorf("profit = %v, want %v", st.TotalProfit, wantProfit)
	}
	if len(ledger.trades) != 1 || ledger.trades[0].Side != "SELL" {
		t.Errorf("ledger should record one SELL, got %+v", ledger.trades)
	}
}

func TestTrailingStopAloneDoesNotSell(t *testing.T) {
	placer := &mockPlacer{}
	ledger := &mockLedger{avg: 90, hasAvg: true}
	e := newTestEngine(placer, ledger)

	coin := testCoin()
	coin.TrailPercent = 5

	st := NewState("BTC", 200, 100)
	st.History = driftHistory()
	// 峰值 120，止损线 114，当前价早已跌破。
	st.PeakPrice = 120

	balances := map[string]float64{"USDC": 0, "BTC": 1}
	decision := e.Evaluate(context.Background(), st, coin, 101.99, balances)

	if decision.Action != ActionHold {
		t.Fatalf("price below the trailing stop alone must not sell, got %s (reason %q)", decision.Action, decision.Reason)
	}
	if len(placer.orders) != 0 {
		t.Errorf("no orders expected, got %d", len(placer.orders))
	}
}

func TestManualCommandClearedOnOrderFailure(t *testing.T) {
	placer := &mockPlacer{err: errors.New("insufficient funds")}
	ledger := &mockLedger{avg: 90, hasAvg: true}
	e := newTestEngine(placer, ledger)

	st := NewState("BTC", 200, 100)
	st.History = driftHistory()
	st.ManualCmd = "SELL"

	balances := map[string]float64{"USDC": 0, "BTC": 2}
	decision := e.Evaluate(context.Background(), st, testCoin(), 101.99, balances)

	if decision.Err == nil {
		t.Fatalf("order failure must surface in the decision")
	}
	if len(placer.orders) != 1 {
		t.Fatalf("expected exactly 1 attempted order, got %d", len(placer.orders))
	}
	if st.ManualCmd != "" {
		t.Errorf("failed override must not re-fire on the next cycle")
	}
	if st.TotalTrades != 0 || st.TotalProfit != 0 {
		t.Errorf("failed order must not mutate totals: trades=%d profit=%v", st.TotalTrades, st.TotalProfit)
	}
	if len(ledger.trades) != 0 {
		t.Errorf("failed order must not be recorded, got %+v", ledger.trades)
	}
}

func TestUnchangedPriceSkipsCycle(t *testing.T) {
	placer := &mockPlacer{}
	ledger := &mockLedger{}
	e := newTestEngine(placer, ledger)

	st := NewState("BTC", 200, 100)
	st.History = driftHistory()
	before := len(st.History)
	last := st.History[before-1]

	decision := e.Evaluate(context.Background(), st, testCoin(), last, map[string]float64{"USDC": 1000})

	if decision.Action != ActionSkip {
		t.Fatalf("expected SKIP, got %s", decision.Action)
	}
	if len(st.History) != before {
		t.Errorf("history must not grow on an unchanged price")
	}
	if len(placer.orders) != 0 {
		t.Errorf("no orders expected on a skipped cycle")
	}
	if len(ledger.saved) != 1 {
		t.Errorf("state is still persisted once per cycle, saved %d times", len(ledger.saved))
	}
}

func TestMACDConfirmCountersNeverNegative(t *testing.T) {
	e := newTestEngine(&mockPlacer{}, &mockLedger{})
	st := NewState("BTC", 200, 100)

	steps := []struct{ macd, signal float64 }{
		{1, 0},   // 只记录，不判交叉
		{2, 1},   // 无交叉，双衰减
		{0, 1},   // 死叉
		{1, 0},   // 金叉
		{2, 1},   // 无交叉
		{0.5, 1}, // 死叉
		{0.4, 1}, // 无交叉
		{0.3, 1}, // 无交叉
		{0.2, 1}, // 无交叉
	}

	for i, s := range steps {
		e.updateMACDConfirm(st, s.macd, s.signal)
		if st.MACDBuyConfirm < 0 || st.MACDSellConfirm < 0 {
			t.Fatalf("step %d: counters went negative: buy=%d sell=%d", i, st.MACDBuyConfirm, st.MACDSellConfirm)
		}
	}
}

func TestBuyCooldownBlocksRepeatedBuys(t *testing.T) {
	placer := &mockPlacer{}
	ledger := &mockLedger{}
	e := newTestEngine(placer, ledger)
	e.now = func() time.Time { return time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC) }

	st := NewState("BTC", 200, 100)
	st.History = dipHistory()
	st.RisingStreak = 1
	st.RSIHistory = oversoldRSISeq()
	// 60 秒前刚买过，冷却 120 秒未过。
	st.LastBuyTime = e.now().Add(-60 * time.Second)

	decision := e.Evaluate(context.Background(), st, testCoin(), 95.9, map[string]float64{"USDC": 1000})

	if decision.Action != ActionHold {
		t.Fatalf("expected HOLD during cooldown, got %s", decision.Action)
	}
	if len(placer.orders) != 0 {
		t.Errorf("cooldown must block orders, got %d", len(placer.orders))
	}
}
