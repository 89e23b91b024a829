// Package report 在控制台渲染各币种的周期状态总览。
package report

import (
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Row 为单币种的一行状态。
type Row struct {
	Symbol      string
	Price       float64
	Anchor      float64
	AvgBuyPrice float64
	Held        float64
	TotalTrades int
	TotalProfit float64
	LastAction  string
}

// Reporter 把状态渲染成表格。
type Reporter struct {
	out io.Writer
}

// New 构造渲染器，out 为空时输出到标准输出。
func New(out io.Writer) *Reporter {
	if out == nil {
		out = os.Stdout
	}
	return &Reporter{out: out}
}

// Render 输出一张状态总览表。
func (r *Reporter) Render(rows []Row) {
	if len(rows) == 0 {
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(r.out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"币种", "现价", "锚点价", "参考买入价", "持仓", "成交数", "累计盈亏", "最近动作"})

	for _, row := range rows {
		profit := text.FgGreen
		if row.TotalProfit < 0 {
			profit = text.FgRed
		}
		t.AppendRow(table.Row{
			row.Symbol,
			formatFloat(row.Price, 6),
			formatFloat(row.Anchor, 6),
			formatFloat(row.AvgBuyPrice, 6),
			formatFloat(row.Held, 8),
			row.TotalTrades,
			profit.Sprintf("%.4f", row.TotalProfit),
			row.LastAction,
		})
	}

	t.Render()
}

func formatFloat(v float64, decimals int) string {
	if v == 0 {
		return "-"
	}
	return text.FgWhite.Sprintf("%.*f", decimals, v)
}
