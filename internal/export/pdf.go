package export

import (
	"bytes"
	"fmt"
	"image/color"
	"strconv"

	"codeberg.org/go-pdf/fpdf"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/gatecount/gatecount/internal/events"
)

// Chart series colours, shared with the dashboard.
var (
	chartIn  = color.RGBA{R: 0x48, G: 0xBB, B: 0x78, A: 0xFF}
	chartOut = color.RGBA{R: 0xF5, G: 0x65, B: 0x65, A: 0xFF}
)

// recentEventRows is how many event rows the PDF closes with.
const recentEventRows = 20

// renderPDF lays out the report page: summary table, optional hourly bar
// chart, and the first events of the window.
func renderPDF(data *reportData) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("People Counter Report", false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 24)
	pdf.SetTextColor(0x2D, 0x37, 0x48)
	pdf.CellFormat(0, 14, "People Counter Report", "", 1, "C", false, 0, "")
	pdf.Ln(2)

	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 6, "Generated: "+data.Now.In(data.Loc).Format(timestampLayout), "", 1, "L", false, 0, "")
	pdf.Ln(6)

	pdf.SetFont("Helvetica", "B", 14)
	pdf.CellFormat(0, 8, "Statistics Summary", "", 1, "L", false, 0, "")
	pdf.Ln(1)
	pdfTable(pdf, []float64{76, 50}, []string{"Metric", "Value"}, [][]string{
		{"Total IN", strconv.Itoa(data.Totals.In)},
		{"Total OUT", strconv.Itoa(data.Totals.Out)},
		{"Net Flow", strconv.Itoa(data.Totals.In - data.Totals.Out)},
		{"Total Events", strconv.Itoa(len(data.Events))},
	}, false)
	pdf.Ln(8)

	if data.Charts && len(data.Hourly) > 0 {
		png, err := hourlyChartPNG(data.Hourly)
		if err != nil {
			return nil, fmt.Errorf("hourly chart: %w", err)
		}
		pdf.SetFont("Helvetica", "B", 14)
		pdf.CellFormat(0, 8, "Hourly Activity Chart", "", 1, "L", false, 0, "")
		pdf.Ln(1)
		opts := fpdf.ImageOptions{ImageType: "PNG"}
		pdf.RegisterImageOptionsReader("hourly", opts, bytes.NewReader(png))
		pdf.ImageOptions("hourly", 15, 0, 180, 0, true, opts, 0, "")
		pdf.Ln(8)
	}

	pdf.SetFont("Helvetica", "B", 14)
	pdf.CellFormat(0, 8, "Recent Events", "", 1, "L", false, 0, "")
	pdf.Ln(1)
	rows := make([][]string, 0, recentEventRows)
	for i, e := range data.Events {
		if i == recentEventRows {
			break
		}
		rows = append(rows, []string{
			e.Timestamp.In(data.Loc).Format(timestampLayout),
			strconv.Itoa(e.TrackID),
			string(e.Direction),
		})
	}
	pdfTable(pdf, []float64{64, 38, 38}, []string{"Timestamp", "Track ID", "Direction"}, rows, true)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// pdfTable draws a bordered table with a filled header row. Striped tables
// alternate white and light grey rows, plain ones use a beige body.
func pdfTable(pdf *fpdf.Fpdf, widths []float64, header []string, rows [][]string, stripe bool) {
	pdf.SetFont("Helvetica", "B", 11)
	pdf.SetFillColor(0x42, 0x99, 0xE1)
	pdf.SetTextColor(255, 255, 255)
	for i, h := range header {
		pdf.CellFormat(widths[i], 8, h, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(0, 0, 0)
	for n, row := range rows {
		switch {
		case stripe && n%2 == 1:
			pdf.SetFillColor(0xD3, 0xD3, 0xD3)
		case stripe:
			pdf.SetFillColor(255, 255, 255)
		default:
			pdf.SetFillColor(0xF5, 0xF5, 0xDC)
		}
		for i, cell := range row {
			pdf.CellFormat(widths[i], 7, cell, "1", 0, "C", true, 0, "")
		}
		pdf.Ln(-1)
	}
}

// hourlyChartPNG renders grouped IN/OUT bars, one group per hour of the day.
func hourlyChartPNG(hourly []events.HourBucket) ([]byte, error) {
	ins := make(plotter.Values, 24)
	outs := make(plotter.Values, 24)
	for _, b := range hourly {
		if b.Hour < 0 || b.Hour > 23 {
			continue
		}
		ins[b.Hour] = float64(b.In)
		outs[b.Hour] = float64(b.Out)
	}

	p := plot.New()
	p.Title.Text = "Hourly Activity"
	p.X.Label.Text = "Hour"
	p.Y.Label.Text = "Count"

	barWidth := vg.Points(5)
	inBars, err := plotter.NewBarChart(ins, barWidth)
	if err != nil {
		return nil, err
	}
	inBars.Color = chartIn
	inBars.Offset = -barWidth / 2

	outBars, err := plotter.NewBarChart(outs, barWidth)
	if err != nil {
		return nil, err
	}
	outBars.Color = chartOut
	outBars.Offset = barWidth / 2

	p.Add(inBars, outBars)
	p.Legend.Add("IN", inBars)
	p.Legend.Add("OUT", outBars)
	p.Legend.Top = true

	labels := make([]string, 24)
	for h := range labels {
		labels[h] = fmt.Sprintf("%d:00", h)
	}
	p.NominalX(labels...)

	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
