// Package app 负责组装各组件并驱动主循环。
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cryptobot-trader/internal/config"
	"cryptobot-trader/internal/engine"
	"cryptobot-trader/internal/exchange"
	"cryptobot-trader/internal/monitor"
	"cryptobot-trader/internal/notify"
	"cryptobot-trader/internal/report"
	"cryptobot-trader/internal/store"
)

// App 聚合全部运行期组件。
type App struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *store.Store
	repo     *store.Repository
	monitor  *monitor.Service
	exchange exchange.Exchange
	engine   *engine.Engine
	reporter *report.Reporter

	states map[string]*engine.State
}

// New 按配置组装应用。
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	st, err := store.NewSQLite(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("app: 初始化数据库失败: %w", err)
	}

	repo, err := store.NewRepository(st)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: 初始化仓储失败: %w", err)
	}

	mon, err := monitor.NewService(st, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: 初始化监控失败: %w", err)
	}

	ex, err := exchange.New(cfg.Exchange, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("app: 初始化交易所失败: %w", err)
	}

	notifier := notify.NewTelegram(cfg.Telegram, logger)
	eng := engine.New(cfg.Trading, ex.QuoteCurrency(), ex, repo, notifier, logger)

	return &App{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		repo:     repo,
		monitor:  mon,
		exchange: ex,
		engine:   eng,
		reporter: report.New(nil),
		states:   make(map[string]*engine.State),
	}, nil
}

// Close 释放底层资源。
func (a *App) Close() error {
	return a.store.Close()
}

// bootstrap 从存储恢复各币种状态与价格窗口。
func (a *App) bootstrap(ctx context.Context) error {
	capacity := a.cfg.HistoryCapacity()

	for _, symbol := range a.cfg.EnabledSymbols() {
		record, err := a.repo.LoadState(ctx, symbol)
		if err != nil {
			return fmt.Errorf("app: 恢复 %s 状态失败: %w", symbol, err)
		}
		if record == nil {
			continue
		}

		history, err := a.repo.LoadPriceHistory(ctx, symbol, capacity)
		if err != nil {
			return fmt.Errorf("app: 恢复 %s 价格历史失败: %w", symbol, err)
		}

		a.states[symbol] = engine.Restore(*record, capacity, history)
		a.logger.Info("恢复币种状态",
			zap.String("symbol", symbol),
			zap.Int("history", len(history)),
			zap.Float64("anchor", record.InitialPrice),
		)
	}
	return nil
}

// Run 启动主循环，ctx 取消时优雅退出。
func (a *App) Run(ctx context.Context) error {
	if err := a.bootstrap(ctx); err != nil {
		return err
	}

	interval := a.cfg.Scheduler.PollInterval
	a.logger.Info("交易循环启动",
		zap.String("exchange", a.exchange.Name()),
		zap.Strings("symbols", a.cfg.EnabledSymbols()),
		zap.Duration("interval", interval),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// 启动后立即执行第一个周期，无需等待一个间隔。
	a.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("收到退出信号，交易循环停止")
			return nil
		case <-ticker.C:
			a.runCycle(ctx)
		}
	}
}
