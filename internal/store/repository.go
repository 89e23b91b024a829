package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// StateRecord 为持久化的单币种交易状态。
type StateRecord struct {
	Symbol       string
	InitialPrice float64
	TotalTrades  int
	TotalProfit  float64
	AvgBuyPrice  *float64
}

// TradeRecord 为成交台账中的一条记录，只增不改。
type TradeRecord struct {
	Symbol    string
	Side      string // BUY | SELL
	Amount    float64
	Price     float64
	Timestamp time.Time
}

// ManualCommand 为面板写入的人工指令。
type ManualCommand struct {
	ID     int64
	Symbol string
	Action string // BUY | SELL
}

// Repository 提供交易状态的读写。
type Repository struct {
	db *sql.DB
}

// NewRepository 初始化仓储并创建所需表结构。
func NewRepository(store *Store) (*Repository, error) {
	if store == nil {
		return nil, errors.New("store: 实例不能为空")
	}

	r := &Repository{db: store.DB()}
	if err := r.initSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Repository) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS balances (
			exchange TEXT NOT NULL,
			currency TEXT NOT NULL,
			available_balance REAL NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (exchange, currency)
		);`,
		`CREATE TABLE IF NOT EXISTS price_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			price REAL NOT NULL,
			timestamp TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_price_history_symbol_ts ON price_history(symbol, timestamp);`,
		`CREATE TABLE IF NOT EXISTS trading_state (
			symbol TEXT PRIMARY KEY,
			initial_price REAL NOT NULL,
			total_trades INTEGER NOT NULL DEFAULT 0,
			total_profit REAL NOT NULL DEFAULT 0,
			avg_buy_price REAL
		);`,
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			amount REAL NOT NULL,
			price REAL NOT NULL,
			timestamp TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol_ts ON trades(symbol, timestamp);`,
		`CREATE TABLE IF NOT EXISTS manual_commands (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			action TEXT NOT NULL,
			executed INTEGER NOT NULL DEFAULT 0
		);`,
	}

	for _, stmt := range schema {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// UpsertBalances 覆盖写入最新余额快照。
func (r *Repository) UpsertBalances(ctx context.Context, exchange string, balances map[string]float64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	for currency, available := range balances {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO balances (exchange, currency, available_balance, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (exchange, currency) DO UPDATE
			SET available_balance = excluded.available_balance,
			    updated_at = excluded.updated_at
		`, exchange, currency, available, now)
		if err != nil {
			return fmt.Errorf("store: 更新余额失败: %w", err)
		}
	}
	return nil
}

// SavePricePoint 追加一条价格样本。
func (r *Repository) SavePricePoint(ctx context.Context, symbol string, price float64, ts time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO price_history (symbol, price, timestamp) VALUES (?, ?, ?)`,
		symbol, price, ts.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: 写入价格历史失败: %w", err)
	}
	return nil
}

// LoadPriceHistory 读取最近 limit 条价格，按时间升序返回。
func (r *Repository) LoadPriceHistory(ctx context.Context, symbol string, limit int) ([]float64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT price FROM price_history
		WHERE symbol = ?
		ORDER BY id DESC
		LIMIT ?
	`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("store: 读取价格历史失败: %w", err)
	}
	defer rows.Close()

	var newestFirst []float64
	for rows.Next() {
		var price float64
		if err := rows.Scan(&price); err != nil {
			return nil, fmt.Errorf("store: 解析价格历史失败: %w", err)
		}
		newestFirst = append(newestFirst, price)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 遍历价格历史失败: %w", err)
	}

	history := make([]float64, len(newestFirst))
	for i, price := range newestFirst {
		history[len(newestFirst)-1-i] = price
	}
	return history, nil
}

// SaveState 覆盖写入单币种状态。
func (r *Repository) SaveState(ctx context.Context, record StateRecord) error {
	var avg sql.NullFloat64
	if record.AvgBuyPrice != nil {
		avg = sql.NullFloat64{Float64: *record.AvgBuyPrice, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trading_state (symbol, initial_price, total_trades, total_profit, avg_buy_price)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (symbol) DO UPDATE
		SET initial_price = excluded.initial_price,
		    total_trades = excluded.total_trades,
		    total_profit = excluded.total_profit,
		    avg_buy_price = excluded.avg_buy_price
	`, record.Symbol, record.InitialPrice, record.TotalTrades, record.TotalProfit, avg)
	if err != nil {
		return fmt.Errorf("store: 保存交易状态失败: %w", err)
	}
	return nil
}

// LoadState 读取单币种状态，不存在时返回 nil。
func (r *Repository) LoadState(ctx context.Context, symbol string) (*StateRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT initial_price, total_trades, total_profit, avg_buy_price
		FROM trading_state WHERE symbol = ?
	`, symbol)

	record := StateRecord{Symbol: symbol}
	var avg sql.NullFloat64
	err := row.Scan(&record.InitialPrice, &record.TotalTrades, &record.TotalProfit, &avg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: 读取交易状态失败: %w", err)
	}
	if avg.Valid {
		record.AvgBuyPrice = &avg.Float64
	}
	return &record, nil
}

// AppendTrade 向台账追加一笔成交。
func (r *Repository) AppendTrade(ctx context.Context, trade TradeRecord) error {
	side := strings.ToUpper(trade.Side)
	if side != "BUY" && side != "SELL" {
		return fmt.Errorf("store: 非法成交方向 %q", trade.Side)
	}
	if trade.Timestamp.IsZero() {
		trade.Timestamp = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trades (symbol, side, amount, price, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, trade.Symbol, side, trade.Amount, trade.Price, trade.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: 记录成交失败: %w", err)
	}
	return nil
}

// WeightedAvgBuyPrice 计算参考买入价：最近一次 SELL 之后所有 BUY 的加权均价。
// 若不存在未平仓买入，第二个返回值为 false。
func (r *Repository) WeightedAvgBuyPrice(ctx context.Context, symbol string) (float64, bool, error) {
	var lastSell sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT MAX(timestamp) FROM trades WHERE symbol = ? AND side = 'SELL'
	`, symbol).Scan(&lastSell)
	if err != nil {
		return 0, false, fmt.Errorf("store: 查询最近卖出失败: %w", err)
	}

	query := `SELECT amount, price FROM trades WHERE symbol = ? AND side = 'BUY'`
	args := []interface{}{symbol}
	if lastSell.Valid {
		query += ` AND timestamp > ?`
		args = append(args, lastSell.String)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, false, fmt.Errorf("store: 查询买入记录失败: %w", err)
	}
	defer rows.Close()

	var totalAmount, totalCost float64
	for rows.Next() {
		var amount, price float64
		if err := rows.Scan(&amount, &price); err != nil {
			return 0, false, fmt.Errorf("store: 解析买入记录失败: %w", err)
		}
		totalAmount += amount
		totalCost += amount * price
	}
	if err := rows.Err(); err != nil {
		return 0, false, fmt.Errorf("store: 遍历买入记录失败: %w", err)
	}

	if totalAmount == 0 {
		return 0, false, nil
	}
	return totalCost / totalAmount, true, nil
}

// PendingCommands 返回尚未执行的人工指令。
func (r *Repository) PendingCommands(ctx context.Context) ([]ManualCommand, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, symbol, action FROM manual_commands WHERE executed = 0 ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("store: 查询人工指令失败: %w", err)
	}
	defer rows.Close()

	var commands []ManualCommand
	for rows.Next() {
		var cmd ManualCommand
		if err := rows.Scan(&cmd.ID, &cmd.Symbol, &cmd.Action); err != nil {
			return nil, fmt.Errorf("store: 解析人工指令失败: %w", err)
		}
		cmd.Action = strings.ToUpper(cmd.Action)
		commands = append(commands, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 遍历人工指令失败: %w", err)
	}
	return commands, nil
}

// MarkCommandExecuted 将指令标记为已消费。
func (r *Repository) MarkCommandExecuted(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE manual_commands SET executed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: 标记人工指令失败: %w", err)
	}
	return nil
}

// EnqueueCommand 写入一条人工指令，主要供面板和测试使用。
func (r *Repository) EnqueueCommand(ctx context.Context, symbol, action string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO manual_commands (symbol, action, executed) VALUES (?, ?, 0)`,
		symbol, strings.ToUpper(action),
	)
	if err != nil {
		return fmt.Errorf("store: 写入人工指令失败: %w", err)
	}
	return nil
}
