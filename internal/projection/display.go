package projection

import (
	"context"
	"fmt"
	"time"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

type DisplayView struct {
	DisplayID     string        `json:"display_id"`
	Name          string        `json:"name"`
	RotateSeconds int           `json:"rotate_seconds"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Sections      []SectionView `json:"sections"`
}

type SectionView struct {
	Name     string          `json:"name"`
	Page     int             `json:"page"`
	Pages    int             `json:"pages"`
	PageSize int             `json:"page_size"`
	Total    int             `json:"total"`
	Tickets  []models.Ticket `json:"tickets"`
}

// DisplaySummary identifies a configured display for screens choosing what to show.
type DisplaySummary struct {
	DisplayID   string   `json:"display_id"`
	Name        string   `json:"name"`
	Departments []string `json:"departments"`
}

// Displays lists the configured displays ordered by id.
func (s *Service) Displays() []DisplaySummary {
	ids := s.displays.IDs()
	out := make([]DisplaySummary, 0, len(ids))
	for _, id := range ids {
		d, _ := s.displays.Get(id)
		depts, _ := s.displays.Departments(id)
		out = append(out, DisplaySummary{DisplayID: id, Name: d.Name, Departments: depts})
	}
	return out
}

// Display renders every section of a display for the current instant. The visible page
// is derived from wall-clock time, so every screen showing the display agrees on it.
func (s *Service) Display(ctx context.Context, displayID string) (DisplayView, error) {
	d, ok := s.displays.Get(displayID)
	if !ok {
		return DisplayView{}, fmt.Errorf("%w: %s", store.ErrDisplayNotFound, displayID)
	}
	now := s.now()
	view := DisplayView{
		DisplayID:     d.ID,
		Name:          d.Name,
		RotateSeconds: d.RotateSeconds,
		GeneratedAt:   now,
		Sections:      make([]SectionView, 0, len(d.Sections)),
	}
	since := s.day.Start(now)
	for _, section := range d.Sections {
		tickets, err := s.source.ListForDisplay(ctx, store.DisplayFilter{
			DepartmentIDs: section.Departments,
			Statuses:      section.Statuses,
			Since:         since,
		})
		if err != nil {
			return DisplayView{}, fmt.Errorf("display %s section %q: %w", d.ID, section.Name, err)
		}
		pages := pageCount(len(tickets), section.PageSize)
		page := activePage(now, d.RotateSeconds, pages)
		view.Sections = append(view.Sections, SectionView{
			Name:     section.Name,
			Page:     page,
			Pages:    pages,
			PageSize: section.PageSize,
			Total:    len(tickets),
			Tickets:  pageSlice(tickets, page, section.PageSize),
		})
	}
	return view, nil
}

func pageCount(total, size int) int {
	if total == 0 || size <= 0 {
		return 1
	}
	return (total + size - 1) / size
}

func activePage(now time.Time, rotateSeconds, pages int) int {
	if pages <= 1 || rotateSeconds <= 0 {
		return 0
	}
	return int((now.Unix() / int64(rotateSeconds)) % int64(pages))
}

func pageSlice(tickets []models.Ticket, page, size int) []models.Ticket {
	start := page * size
	if start >= len(tickets) {
		return []models.Ticket{}
	}
	end := start + size
	if end > len(tickets) {
		end = len(tickets)
	}
	return tickets[start:end]
}
