package monitor

import (
	"time"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventDecision EventType = "decision"
	EventOrder    EventType = "order"
	EventBalance  EventType = "balance"
	EventError    EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// DecisionPayload 记录一次周期评估的结论。
type DecisionPayload struct {
	Symbol string  `json:"symbol"`
	Action string  `json:"action"`
	Reason string  `json:"reason,omitempty"`
	Price  float64 `json:"price"`
}

// OrderPayload 记录一次下单结果。
type OrderPayload struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	OrderID    string  `json:"order_id,omitempty"`
	FilledBase float64 `json:"filled_base,omitempty"`
	AvgPrice   float64 `json:"avg_price,omitempty"`
	Error      string  `json:"error,omitempty"`
}

// BalancePayload 记录周期内的余额快照。
type BalancePayload struct {
	Exchange string             `json:"exchange"`
	Balances map[string]float64 `json:"balances"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
