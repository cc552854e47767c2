package report

import (
	"fmt"
	"io"
	"time"

	"qms/dispatch-service/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	historySheet = "History"
	countsSheet  = "Daily"
	timeLayout   = "2006-01-02 15:04:05"
)

var historyHeaders = []interface{}{
	"Queue Number", "Status", "Queue Type", "Case Role", "Department", "Counter",
	"Remarks", "Created At", "Updated At", "Ticket ID",
}

var countHeaders = []interface{}{
	"Date", "Queue Type", "Total", "Completed", "Cancelled", "Waiting",
}

// HistoryWorkbook builds a workbook with one row per ticket and, when counts is not
// empty, a second sheet with the per-day totals. Times are rendered in loc.
func HistoryWorkbook(tickets []models.Ticket, counts []models.DailyTypeCount, loc *time.Location) (*excelize.File, error) {
	if loc == nil {
		loc = time.UTC
	}
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", historySheet); err != nil {
		f.Close()
		return nil, err
	}
	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		f.Close()
		return nil, err
	}

	if err := f.SetSheetRow(historySheet, "A1", &historyHeaders); err != nil {
		f.Close()
		return nil, err
	}
	_ = f.SetRowStyle(historySheet, 1, 1, style)
	for i, t := range tickets {
		row := []interface{}{
			t.QueueNumber,
			string(t.Status),
			t.TypeName,
			t.RoleName,
			t.DepartmentID,
			t.Counter(),
			t.RemarkCount,
			t.CreatedAt.In(loc).Format(timeLayout),
			t.UpdatedAt.In(loc).Format(timeLayout),
			t.TicketID,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			f.Close()
			return nil, err
		}
		if err := f.SetSheetRow(historySheet, cell, &row); err != nil {
			f.Close()
			return nil, fmt.Errorf("write ticket %s: %w", t.TicketID, err)
		}
	}
	_ = f.SetColWidth(historySheet, "A", "A", 16)
	_ = f.SetColWidth(historySheet, "C", "E", 25)
	_ = f.SetColWidth(historySheet, "H", "I", 20)
	_ = f.SetColWidth(historySheet, "J", "J", 38)

	if len(counts) == 0 {
		return f, nil
	}
	if _, err := f.NewSheet(countsSheet); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.SetSheetRow(countsSheet, "A1", &countHeaders); err != nil {
		f.Close()
		return nil, err
	}
	_ = f.SetRowStyle(countsSheet, 1, 1, style)
	for i, c := range counts {
		row := []interface{}{c.Date, c.TypeName, c.Total, c.Completed, c.Cancelled, c.Waiting}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			f.Close()
			return nil, err
		}
		if err := f.SetSheetRow(countsSheet, cell, &row); err != nil {
			f.Close()
			return nil, err
		}
	}
	_ = f.SetColWidth(countsSheet, "A", "B", 20)
	return f, nil
}

// WriteHistory streams the history workbook to w.
func WriteHistory(w io.Writer, tickets []models.Ticket, counts []models.DailyTypeCount, loc *time.Location) error {
	f, err := HistoryWorkbook(tickets, counts, loc)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}
