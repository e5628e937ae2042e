package export

import (
	"bytes"
	"fmt"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// Dashboard series colours as hex strings for ECharts.
const (
	htmlColorIn  = "#48BB78"
	htmlColorOut = "#F56565"
)

// renderHTML builds a standalone report page with an hourly bar chart and a
// daily trend line. ECharts assets load from the default CDN, so the file
// works straight from disk with no server behind it.
func renderHTML(data *reportData) ([]byte, error) {
	page := components.NewPage()
	page.PageTitle = "People Counter Report"
	page.AddCharts(hourlyBar(data), dailyLine(data))

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func hourlyBar(data *reportData) *charts.Bar {
	x := make([]string, 24)
	ins := make([]opts.BarData, 24)
	outs := make([]opts.BarData, 24)
	for h := 0; h < 24; h++ {
		x[h] = fmt.Sprintf("%d:00", h)
		ins[h] = opts.BarData{Value: 0}
		outs[h] = opts.BarData{Value: 0}
	}
	for _, b := range data.Hourly {
		if b.Hour < 0 || b.Hour > 23 {
			continue
		}
		ins[b.Hour] = opts.BarData{Value: b.In}
		outs[b.Hour] = opts.BarData{Value: b.Out}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "1080px", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Hourly Activity",
			Subtitle: fmt.Sprintf("%s, IN %d / OUT %d", data.ChartDay.Format("2006-01-02"), data.Totals.In, data.Totals.Out),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("IN", ins, charts.WithItemStyleOpts(opts.ItemStyle{Color: htmlColorIn})).
		AddSeries("OUT", outs, charts.WithItemStyleOpts(opts.ItemStyle{Color: htmlColorOut}))
	return bar
}

func dailyLine(data *reportData) *charts.Line {
	x := make([]string, 0, len(data.Daily))
	ins := make([]opts.LineData, 0, len(data.Daily))
	outs := make([]opts.LineData, 0, len(data.Daily))
	for _, d := range data.Daily {
		x = append(x, d.Date)
		ins = append(ins, opts.LineData{Value: d.In})
		outs = append(outs, opts.LineData{Value: d.Out})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "1080px", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Daily Trend",
			Subtitle: "generated " + data.Now.In(data.Loc).Format(timestampLayout),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	line.SetXAxis(x).
		AddSeries("IN", ins, charts.WithItemStyleOpts(opts.ItemStyle{Color: htmlColorIn})).
		AddSeries("OUT", outs, charts.WithItemStyleOpts(opts.ItemStyle{Color: htmlColorOut}))
	return line
}
