package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cryptobot-trader/internal/engine"
	"cryptobot-trader/internal/exchange"
	"cryptobot-trader/internal/report"
)

// runCycle 执行一个完整的轮询周期。
// 行情与余额并发拉取；决策按币种顺序执行，单个币种失败不影响其余币种。
func (a *App) runCycle(ctx context.Context) {
	started := time.Now()
	symbols := a.cfg.EnabledSymbols()

	var (
		mu       sync.Mutex
		balances map[string]float64
		prices   = make(map[string]float64, len(symbols))
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		got, err := a.exchange.GetBalances(gctx)
		if err != nil {
			return err
		}
		balances = got
		return nil
	})

	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			price, err := a.exchange.GetPrice(gctx, symbol)
			if err != nil {
				// 行情失败只跳过该币种。
				a.logger.Warn("获取价格失败", zap.String("symbol", symbol), zap.Error(err))
				a.monitor.RecordError(gctx, "获取价格失败", err, map[string]interface{}{"symbol": symbol})
				return nil
			}
			mu.Lock()
			prices[symbol] = price
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		// 余额拉不到就无法安全决策，整个周期跳过。
		a.logger.Error("获取余额失败，跳过本周期", zap.Error(err))
		a.monitor.RecordError(ctx, "获取余额失败", err, nil)
		return
	}

	if err := a.repo.UpsertBalances(ctx, a.exchange.Name(), balances); err != nil {
		a.logger.Error("持久化余额失败", zap.Error(err))
	}
	a.monitor.RecordBalances(ctx, a.exchange, balances)

	a.drainManualCommands(ctx)

	var cycleErr error
	rows := make([]report.Row, 0, len(symbols))
	for _, symbol := range symbols {
		price, ok := prices[symbol]
		if !ok {
			continue
		}

		st, exists := a.states[symbol]
		if !exists {
			st = engine.NewState(symbol, a.cfg.HistoryCapacity(), price)
			a.states[symbol] = st
			a.logger.Info("首次观测到价格，建立状态",
				zap.String("symbol", symbol),
				zap.Float64("price", price),
			)
		}

		if err := a.repo.SavePricePoint(ctx, symbol, price, time.Now()); err != nil {
			a.logger.Error("持久化价格失败", zap.String("symbol", symbol), zap.Error(err))
		}

		decision := a.engine.Evaluate(ctx, st, a.cfg.Coins[symbol], price, balances)
		a.monitor.RecordDecision(ctx, decision)
		if decision.Err != nil {
			cycleErr = multierr.Append(cycleErr, fmt.Errorf("%s: %w", symbol, decision.Err))
		}

		rows = append(rows, reportRow(st, price, balances, decision))
	}

	a.reporter.Render(rows)
	if cycleErr != nil {
		a.logger.Warn("本周期存在下单失败", zap.Error(cycleErr))
	}
	a.logger.Debug("周期结束",
		zap.Duration("elapsed", time.Since(started)),
		zap.Int("symbols", len(rows)),
	)
}

// drainManualCommands 消费面板写入的人工指令，标记后生效于本周期。
func (a *App) drainManualCommands(ctx context.Context) {
	commands, err := a.repo.PendingCommands(ctx)
	if err != nil {
		a.logger.Error("读取人工指令失败", zap.Error(err))
		return
	}

	for _, cmd := range commands {
		action := strings.ToUpper(cmd.Action)
		if action != string(exchange.SideBuy) && action != string(exchange.SideSell) {
			a.logger.Warn("忽略非法人工指令",
				zap.Int64("id", cmd.ID),
				zap.String("action", cmd.Action),
			)
		} else if st, ok := a.states[cmd.Symbol]; ok {
			st.ManualCmd = action
			a.logger.Info("人工指令入队",
				zap.String("symbol", cmd.Symbol),
				zap.String("action", action),
			)
		} else {
			a.logger.Warn("人工指令指向未知币种", zap.String("symbol", cmd.Symbol))
		}

		if err := a.repo.MarkCommandExecuted(ctx, cmd.ID); err != nil {
			a.logger.Error("标记人工指令失败", zap.Int64("id", cmd.ID), zap.Error(err))
		}
	}
}

func reportRow(st *engine.State, price float64, balances map[string]float64, decision engine.Decision) report.Row {
	row := report.Row{
		Symbol:      st.Symbol,
		Price:       price,
		Anchor:      st.InitialPrice,
		Held:        balances[st.Symbol],
		TotalTrades: st.TotalTrades,
		TotalProfit: st.TotalProfit,
		LastAction:  string(decision.Action),
	}
	if st.AvgBuyPrice != nil {
		row.AvgBuyPrice = *st.AvgBuyPrice
	}
	return row
}
