package engine

import (
	"time"

	"cryptobot-trader/internal/store"
)

const rsiHistoryCap = 50

// State 为单币种的滚动交易状态。
// 由调度器独占持有，每个周期传给决策引擎原地更新。
type State struct {
	Symbol string

	History  []float64
	capacity int

	// InitialPrice 为锚点价：买卖阈值的参照基准。
	// 只允许通过漂移规则或卖出后重置来改变。
	InitialPrice float64
	TotalTrades  int
	TotalProfit  float64
	AvgBuyPrice  *float64

	LastBuyTime   time.Time
	PeakPrice     float64
	PreviousPrice float64
	RisingStreak  int
	FallingStreak int

	// ManualCmd 为待执行的人工指令（BUY/SELL），消费后清空。
	ManualCmd string

	RSIHistory []float64

	// MACD 确认计数，恒 >= 0。
	MACDBuyConfirm  int
	MACDSellConfirm int

	prevMACD    float64
	prevSignal  float64
	hasPrevMACD bool
}

// NewState 在首次观测到价格时创建状态，首价即锚点价。
func NewState(symbol string, capacity int, firstPrice float64) *State {
	return &State{
		Symbol:        symbol,
		capacity:      capacity,
		History:       []float64{firstPrice},
		InitialPrice:  firstPrice,
		PeakPrice:     firstPrice,
		PreviousPrice: firstPrice,
	}
}

// Restore 用持久化记录与历史价格重建状态。
func Restore(record store.StateRecord, capacity int, history []float64) *State {
	st := &State{
		Symbol:       record.Symbol,
		capacity:     capacity,
		InitialPrice: record.InitialPrice,
		TotalTrades:  record.TotalTrades,
		TotalProfit:  record.TotalProfit,
		AvgBuyPrice:  record.AvgBuyPrice,
	}
	if len(history) > capacity {
		history = history[len(history)-capacity:]
	}
	st.History = append(st.History, history...)
	if len(st.History) > 0 {
		last := st.History[len(st.History)-1]
		st.PreviousPrice = last
		st.PeakPrice = last
	}
	return st
}

// AppendPrice 追加一个新价格并维护涨跌连击，超出容量时丢弃最旧样本。
// 价格与上一样本相同时返回 false，本周期应整体跳过。
func (s *State) AppendPrice(price float64) bool {
	if len(s.History) > 0 && price == s.History[len(s.History)-1] {
		return false
	}

	prev := s.PreviousPrice
	if len(s.History) > 0 {
		prev = s.History[len(s.History)-1]
	}

	s.History = append(s.History, price)
	if s.capacity > 0 && len(s.History) > s.capacity {
		s.History = s.History[len(s.History)-s.capacity:]
	}

	switch {
	case price > prev:
		s.RisingStreak++
		s.FallingStreak = 0
	case price < prev:
		s.FallingStreak++
		s.RisingStreak = 0
	}
	s.PreviousPrice = price
	return true
}

// PushRSI 记录最近一次 RSI，窗口封顶后丢弃最旧值。
func (s *State) PushRSI(value float64) {
	s.RSIHistory = append(s.RSIHistory, value)
	if len(s.RSIHistory) > rsiHistoryCap {
		s.RSIHistory = s.RSIHistory[len(s.RSIHistory)-rsiHistoryCap:]
	}
}

// Record 导出需要持久化的字段。
func (s *State) Record() store.StateRecord {
	return store.StateRecord{
		Symbol:       s.Symbol,
		InitialPrice: s.InitialPrice,
		TotalTrades:  s.TotalTrades,
		TotalProfit:  s.TotalProfit,
		AvgBuyPrice:  s.AvgBuyPrice,
	}
}
