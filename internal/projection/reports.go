package projection

import (
	"context"
	"time"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

// DateRange turns inclusive yyyy-mm-dd bounds in the service time zone into a half-open
// instant range.
func (s *Service) DateRange(from, to string) (time.Time, time.Time, error) {
	loc := s.day.Location()
	start, err := time.ParseInLocation(dateLayout, from, loc)
	if err != nil {
		return time.Time{}, time.Time{}, store.Validation("from must be a date (yyyy-mm-dd)")
	}
	last, err := time.ParseInLocation(dateLayout, to, loc)
	if err != nil {
		return time.Time{}, time.Time{}, store.Validation("to must be a date (yyyy-mm-dd)")
	}
	if last.Before(start) {
		return time.Time{}, time.Time{}, store.Validation("to must not be before from")
	}
	end := last.AddDate(0, 0, 1)
	if start.AddDate(0, 0, maxHistoryDays).Before(end) {
		return time.Time{}, time.Time{}, store.Validation("range must not exceed %d days", maxHistoryDays)
	}
	return start, end, nil
}

// History lists tickets of every department created in [start, end), oldest first.
func (s *Service) History(ctx context.Context, start, end time.Time) ([]models.Ticket, error) {
	if !end.After(start) {
		return nil, store.Validation("end must be after start")
	}
	tickets, err := s.source.HistoryByDateRange(ctx, start, end)
	if err != nil {
		return nil, err
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	return tickets, nil
}

func (s *Service) DailyCounts(ctx context.Context, start, end time.Time) ([]models.DailyTypeCount, error) {
	if !end.After(start) {
		return nil, store.Validation("end must be after start")
	}
	rows, err := s.source.CountByDayAndType(ctx, start, end, s.day.Location())
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []models.DailyTypeCount{}
	}
	return rows, nil
}
