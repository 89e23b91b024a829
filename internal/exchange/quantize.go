package exchange

import (
	"strings"

	"github.com/shopspring/decimal"
)

var defaultStep = decimal.New(1, -8)

// StepFromPrecision 将交易所的精度描述转换为步长。
// 整数形式（如 "4"）按小数位数处理，步长形式（如 "0.0001"）按字面值保留。
func StepFromPrecision(p string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(p))
	if err != nil || d.Sign() < 0 {
		return defaultStep
	}
	if d.IsInteger() {
		return decimal.New(1, -int32(d.IntPart()))
	}
	return d
}

// StepFromDecimals 返回 n 位小数对应的步长。
func StepFromDecimals(n int) decimal.Decimal {
	if n < 0 {
		n = 0
	}
	return decimal.New(1, -int32(n))
}

// QuantizeFloor 将数量向下取整到步长的整数倍，输出不带尾随零。
// 永不向上取整，保证量化结果不超过原始数量。
func QuantizeFloor(value float64, step decimal.Decimal) string {
	if step.Sign() <= 0 {
		step = defaultStep
	}
	v := decimal.NewFromFloat(value)
	q := v.Div(step).Floor().Mul(step)
	if q.Sign() <= 0 {
		return "0"
	}
	return trimTrailingZeros(q.String())
}

// FormatPrice 将价格截断到指定小数位并去除尾随零，只截不入。
func FormatPrice(price float64, decimals int) string {
	if decimals < 0 {
		decimals = 0
	}
	d := decimal.NewFromFloat(price).Truncate(int32(decimals))
	if d.Sign() <= 0 {
		return "0"
	}
	return trimTrailingZeros(d.String())
}

func trimTrailingZeros(s string) string {
	if !strings.Contains(s, ".") {
		if s == "" {
			return "0"
		}
		return s
	}
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	if s == "" || s == "-" {
		return "0"
	}
	return s
}
