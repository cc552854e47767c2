package projection

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"qms/dispatch-service/internal/display"
	"qms/dispatch-service/internal/lifecycle"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
	"qms/dispatch-service/internal/store/memory"
)

var testNow = time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)

type fakeSweeper struct {
	sweepFn func(ctx context.Context, departmentID string) (int, error)
	calls   []string
}

func (f *fakeSweeper) SweepStaleTickets(ctx context.Context, departmentID string) (int, error) {
	f.calls = append(f.calls, departmentID)
	if f.sweepFn == nil {
		return 0, nil
	}
	return f.sweepFn(ctx, departmentID)
}

func newSource() *memory.Store {
	return memory.New(memory.Seed{
		Departments: []models.Department{
			{DepartmentID: "civil", Name: "Civil", Active: true},
			{DepartmentID: "tax", Name: "Tax", Active: true},
		},
		Counters:   []models.Counter{{CounterID: "c1", DepartmentID: "civil", Name: "Counter 1", Active: true}},
		QueueTypes: []models.QueueType{{TypeID: "birth", Code: "A", Name: "Birth Certificate", DepartmentID: "civil", Active: true}},
		CaseRoles:  []models.CaseRole{{RoleID: "citizen", Name: "Citizen", Active: true}},
	})
}

func put(src *memory.Store, id, dept string, status models.Status, created time.Time, counter string) {
	t := models.Ticket{
		TicketID:     id,
		QueueNumber:  "261018A" + id,
		TypeID:       "birth",
		RoleID:       "citizen",
		Status:       status,
		DepartmentID: dept,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
	if counter != "" {
		t.CounterID = &counter
	}
	src.PutTicket(t)
}

func newService(src *memory.Store, sweeper Sweeper, displays *display.Registry) *Service {
	return New(src, sweeper, displays, Options{
		Now:        func() time.Time { return testNow },
		ServiceDay: lifecycle.NewServiceDay(time.UTC),
	})
}

func TestListActiveOrdersWaitingThenProcessing(t *testing.T) {
	src := newSource()
	put(src, "003", "civil", models.StatusProcessing, testNow.Add(-3*time.Hour), "c1")
	put(src, "002", "civil", models.StatusWaiting, testNow.Add(-time.Hour), "")
	put(src, "001", "civil", models.StatusWaiting, testNow.Add(-2*time.Hour), "")
	put(src, "004", "civil", models.StatusCompleted, testNow.Add(-4*time.Hour), "")
	put(src, "005", "tax", models.StatusWaiting, testNow.Add(-4*time.Hour), "")

	sweeper := &fakeSweeper{}
	svc := newService(src, sweeper, nil)
	got, err := svc.ListActive(context.Background(), "civil")
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	var ids []string
	for _, ticket := range got {
		ids = append(ids, ticket.TicketID)
	}
	if fmt.Sprint(ids) != "[001 002 003]" {
		t.Fatalf("unexpected order %v", ids)
	}
	if len(sweeper.calls) != 1 || sweeper.calls[0] != "civil" {
		t.Fatalf("expected a sweep of civil before the read, got %v", sweeper.calls)
	}
}

func TestListActiveSurvivesSweepFailure(t *testing.T) {
	src := newSource()
	put(src, "001", "civil", models.StatusWaiting, testNow.Add(-48*time.Hour), "")
	sweeper := &fakeSweeper{sweepFn: func(context.Context, string) (int, error) {
		return 0, errors.New("database unavailable")
	}}
	svc := newService(src, sweeper, nil)
	got, err := svc.ListActive(context.Background(), "civil")
	if err != nil {
		t.Fatalf("sweep failure must not fail the read: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected the stale ticket to remain visible, got %d", len(got))
	}
}

func TestListActiveUnknownDepartment(t *testing.T) {
	svc := newService(newSource(), &fakeSweeper{}, nil)
	if _, err := svc.ListActive(context.Background(), "nowhere"); store.KindOf(err) != store.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWorkstationSplit(t *testing.T) {
	src := newSource()
	put(src, "001", "civil", models.StatusWaiting, testNow.Add(-2*time.Hour), "")
	put(src, "002", "civil", models.StatusProcessing, testNow.Add(-time.Hour), "c1")
	svc := newService(src, nil, nil)

	view, err := svc.Workstation(context.Background(), "civil", "c1")
	if err != nil {
		t.Fatalf("workstation: %v", err)
	}
	if view.WaitingCount != 1 || view.ProcessingCount != 1 {
		t.Fatalf("unexpected counts %+v", view)
	}
	if view.Serving == nil || view.Serving.TicketID != "002" {
		t.Fatalf("expected counter c1 serving 002, got %+v", view.Serving)
	}
}

func TestDisplayPagination(t *testing.T) {
	src := newSource()
	for i := 1; i <= 5; i++ {
		put(src, fmt.Sprintf("%03d", i), "civil", models.StatusWaiting, testNow.Add(-time.Duration(10-i)*time.Minute), "")
	}
	put(src, "009", "civil", models.StatusWaiting, testNow.Add(-30*time.Hour), "")
	put(src, "010", "tax", models.StatusProcessing, testNow.Add(-time.Minute), "c3")

	reg, err := display.NewRegistry(display.Display{
		ID:            "lobby",
		Name:          "Lobby",
		RotateSeconds: 10,
		Sections: []display.Section{
			{Name: "Waiting", Departments: []string{"civil"}, Statuses: []models.Status{models.StatusWaiting}, PageSize: 2},
			{Name: "Serving", Departments: []string{"tax", "civil"}, Statuses: []models.Status{models.StatusProcessing}, PageSize: 4},
		},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	svc := newService(src, nil, reg)

	view, err := svc.Display(context.Background(), "lobby")
	if err != nil {
		t.Fatalf("display: %v", err)
	}
	waiting := view.Sections[0]
	if waiting.Total != 5 || waiting.Pages != 3 {
		t.Fatalf("yesterday's ticket must be excluded: %+v", waiting)
	}
	wantPage := int((testNow.Unix() / 10) % 3)
	if waiting.Page != wantPage {
		t.Fatalf("expected page %d, got %d", wantPage, waiting.Page)
	}
	if len(waiting.Tickets) == 0 || waiting.Tickets[0].TicketID != fmt.Sprintf("%03d", wantPage*2+1) {
		t.Fatalf("unexpected page contents %+v", waiting.Tickets)
	}
	serving := view.Sections[1]
	if serving.Total != 1 || serving.Tickets[0].TicketID != "010" || serving.Page != 0 {
		t.Fatalf("unexpected serving section %+v", serving)
	}

	summaries := svc.Displays()
	if len(summaries) != 1 || summaries[0].Name != "Lobby" || len(summaries[0].Departments) != 2 || summaries[0].Departments[0] != "civil" {
		t.Fatalf("unexpected summaries %+v", summaries)
	}

	if _, err := svc.Display(context.Background(), "missing"); store.KindOf(err) != store.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestActivePage(t *testing.T) {
	base := time.Unix(1000, 0)
	cases := []struct {
		offset time.Duration
		rotate int
		pages  int
		want   int
	}{
		{0, 10, 1, 0},
		{0, 10, 3, 1},
		{10 * time.Second, 10, 3, 2},
		{20 * time.Second, 10, 3, 0},
		{5 * time.Second, 0, 3, 0},
	}
	for _, tt := range cases {
		if got := activePage(base.Add(tt.offset), tt.rotate, tt.pages); got != tt.want {
			t.Fatalf("activePage(+%v, %d, %d)=%d, want %d", tt.offset, tt.rotate, tt.pages, got, tt.want)
		}
	}
}

func TestSearchLimitedToToday(t *testing.T) {
	src := newSource()
	put(src, "001", "civil", models.StatusWaiting, testNow.Add(-time.Hour), "")
	put(src, "002", "civil", models.StatusCompleted, testNow.Add(-26*time.Hour), "")
	svc := newService(src, nil, nil)

	got, err := svc.Search(context.Background(), "birth", 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].TicketID != "001" {
		t.Fatalf("expected only today's ticket, got %+v", got)
	}
}

func TestDateRange(t *testing.T) {
	svc := newService(newSource(), nil, nil)
	start, end, err := svc.DateRange("2026-10-01", "2026-10-18")
	if err != nil {
		t.Fatalf("date range: %v", err)
	}
	if !start.Equal(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)) || !end.Equal(time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected range %v - %v", start, end)
	}
	cases := [][2]string{
		{"bad", "2026-10-18"},
		{"2026-10-18", "bad"},
		{"2026-10-18", "2026-10-01"},
		{"2024-01-01", "2026-10-18"},
	}
	for _, tc := range cases {
		if _, _, err := svc.DateRange(tc[0], tc[1]); store.KindOf(err) != store.KindValidation {
			t.Fatalf("DateRange(%q, %q): expected validation error, got %v", tc[0], tc[1], err)
		}
	}
}

func TestDateRangeCountsCalendarDays(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("time zone data unavailable: %v", err)
	}
	svc := New(newSource(), nil, nil, Options{
		Now:        func() time.Time { return testNow },
		ServiceDay: lifecycle.NewServiceDay(loc),
	})
	// Starts on daylight time and ends on standard time, so the span is one hour longer
	// than 366 days of 24 hours.
	if _, _, err := svc.DateRange("2025-11-01", "2026-11-01"); err != nil {
		t.Fatalf("366 calendar days must be accepted, got %v", err)
	}
	if _, _, err := svc.DateRange("2025-11-01", "2026-11-02"); store.KindOf(err) != store.KindValidation {
		t.Fatalf("367 calendar days must be rejected, got %v", err)
	}
}
