package export

import (
	"bytes"
	"encoding/csv"
	"strconv"
)

// renderCSV writes one row per event with human-readable timestamps.
func renderCSV(data *reportData) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"id", "timestamp", "track_id", "person_id", "direction"}); err != nil {
		return nil, err
	}
	for _, e := range data.Events {
		row := []string{
			strconv.FormatInt(e.ID, 10),
			e.Timestamp.In(data.Loc).Format(timestampLayout),
			strconv.Itoa(e.TrackID),
			e.PersonID,
			string(e.Direction),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
