package export

import (
	"github.com/xuri/excelize/v2"
)

const (
	sheetEvents = "Events"
	sheetStats  = "Statistics"
)

// renderExcel builds a two-sheet workbook: the raw event rows and the
// window totals.
func renderExcel(data *reportData) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetEvents); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(sheetStats); err != nil {
		return nil, err
	}

	// Per-cell writes funnel through set so the first failure wins and the
	// row loops stay readable.
	var werr error
	set := func(sheet string, col, row int, value any) {
		if werr != nil {
			return
		}
		cell, err := excelize.CoordinatesToCellName(col, row)
		if err != nil {
			werr = err
			return
		}
		werr = f.SetCellValue(sheet, cell, value)
	}

	for i, name := range []string{"ID", "Timestamp", "Track ID", "Person ID", "Direction"} {
		set(sheetEvents, i+1, 1, name)
	}
	for i, e := range data.Events {
		row := i + 2
		set(sheetEvents, 1, row, e.ID)
		set(sheetEvents, 2, row, e.Timestamp.In(data.Loc).Format(timestampLayout))
		set(sheetEvents, 3, row, e.TrackID)
		set(sheetEvents, 4, row, e.PersonID)
		set(sheetEvents, 5, row, string(e.Direction))
	}

	for i, name := range []string{"in_count", "out_count", "total_events"} {
		set(sheetStats, i+1, 1, name)
	}
	set(sheetStats, 1, 2, data.Totals.In)
	set(sheetStats, 2, 2, data.Totals.Out)
	set(sheetStats, 3, 2, data.Totals.Sum())
	if werr != nil {
		return nil, werr
	}

	header, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(sheetEvents, "A1", "E1", header); err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(sheetStats, "A1", "C1", header); err != nil {
		return nil, err
	}
	if err := f.SetColWidth(sheetEvents, "B", "B", 20); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
