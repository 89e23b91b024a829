// Package indicator 提供交易决策用到的技术指标。
// 均线、EMA、RSI 与 MACD 委托给 talib 计算；所有函数在数据不足时
// 返回 ok=false，调用方不得把零值当作有效结果。
package indicator

import (
	"math"

	talib "github.com/markcheno/go-talib"
)

// MovingAverage 计算最近 period 个价格的简单均值。
func MovingAverage(prices []float64, period int) (float64, bool) {
	if period <= 0 || len(prices) < period {
		return 0, false
	}
	out := talib.Sma(prices, period)
	return out[len(out)-1], true
}

// Volatility 计算最近 window 个价格的逐点涨跌幅的总体标准差（百分比）。
// 需要 window+1 个价格才能得到 window 个涨跌幅。
func Volatility(prices []float64, window int) (float64, bool) {
	if window <= 0 || len(prices) < window+1 {
		return 0, false
	}
	tail := prices[len(prices)-window-1:]
	changes := make([]float64, 0, window)
	for i := 1; i < len(tail); i++ {
		if tail[i-1] == 0 {
			return 0, false
		}
		changes = append(changes, (tail[i]-tail[i-1])/tail[i-1]*100)
	}

	mean := 0.0
	for _, c := range changes {
		mean += c
	}
	mean /= float64(len(changes))

	variance := 0.0
	for _, c := range changes {
		d := c - mean
		variance += d * d
	}
	variance /= float64(len(changes))
	return math.Sqrt(variance), true
}

// EMA 返回指数移动平均的最新值。
func EMA(prices []float64, period int) (float64, bool) {
	if period <= 0 || len(prices) < period {
		return 0, false
	}
	out := talib.Ema(prices, period)
	return out[len(out)-1], true
}

// MACD 计算 MACD 线、信号线与柱状值。
// 需要至少 longPeriod+signalPeriod-1 个价格，信号线才走出预热区。
func MACD(prices []float64, shortPeriod, longPeriod, signalPeriod int) (macd, signal, histogram float64, ok bool) {
	if shortPeriod <= 0 || longPeriod <= shortPeriod || signalPeriod <= 0 {
		return 0, 0, 0, false
	}
	if len(prices) < longPeriod+signalPeriod-1 {
		return 0, 0, 0, false
	}

	macdSeries, signalSeries, histSeries := talib.Macd(prices, shortPeriod, longPeriod, signalPeriod)
	n := len(macdSeries)
	return macdSeries[n-1], signalSeries[n-1], histSeries[n-1], true
}

// RSI 计算 Wilder 平滑的相对强弱指数，平均跌幅为零时为 100。
func RSI(prices []float64, period int) (float64, bool) {
	if period <= 0 || len(prices) < period+1 {
		return 0, false
	}
	out := talib.Rsi(prices, period)
	return out[len(out)-1], true
}

// StochRSI 在引擎维护的 RSI 序列上做随机指标归一化。
// K 为归一化序列的 SMA(kSmooth)，D 为 K 的 SMA(dSmooth)。
// 窗口内 RSI 无波动时指标无定义。talib 的 StochRsi 从原始价格
// 重算 RSI，无法接受既有序列，故此处保留自实现。
func StochRSI(rsiValues []float64, period, kSmooth, dSmooth int) (k, d float64, ok bool) {
	if period <= 0 || kSmooth <= 0 || dSmooth <= 0 {
		return 0, 0, false
	}
	need := period + kSmooth + dSmooth - 2
	if len(rsiValues) < need {
		return 0, 0, false
	}

	// 每个 K 原始值依赖一个长度为 period 的窗口。
	rawCount := kSmooth + dSmooth - 1
	raw := make([]float64, 0, rawCount)
	for i := 0; i < rawCount; i++ {
		end := len(rsiValues) - (rawCount - 1 - i)
		window := rsiValues[end-period : end]
		lo, hi := window[0], window[0]
		for _, v := range window {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		if hi == lo {
			return 0, 0, false
		}
		raw = append(raw, (window[len(window)-1]-lo)/(hi-lo))
	}

	kSeries := make([]float64, 0, dSmooth)
	for i := 0; i < dSmooth; i++ {
		sum := 0.0
		for _, v := range raw[i : i+kSmooth] {
			sum += v
		}
		kSeries = append(kSeries, sum/float64(kSmooth))
	}

	sum := 0.0
	for _, v := range kSeries {
		sum += v
	}
	return kSeries[len(kSeries)-1], sum / float64(dSmooth), true
}

// Bollinger 计算布林带上中下轨。标准差取样本标准差（n-1），
// talib.BBands 按总体标准差（n）计算，轨距不同，故保留自实现。
func Bollinger(prices []float64, period int, width float64) (upper, middle, lower float64, ok bool) {
	if period <= 1 || len(prices) < period {
		return 0, 0, 0, false
	}

	window := prices[len(prices)-period:]
	mean := 0.0
	for _, p := range window {
		mean += p
	}
	mean /= float64(period)

	variance := 0.0
	for _, p := range window {
		d := p - mean
		variance += d * d
	}
	variance /= float64(period - 1)
	std := math.Sqrt(variance)

	return mean + width*std, mean, mean - width*std, true
}
