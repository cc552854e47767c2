package projection

import (
	"context"
	"time"

	"qms/dispatch-service/internal/display"
	"qms/dispatch-service/internal/lifecycle"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"

	"go.uber.org/zap"
)

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 200
	maxHistoryDays     = 366
	dateLayout         = "2006-01-02"
)

// Source is the read side the projections are built from.
type Source interface {
	store.Reader
	store.Reference
}

// Sweeper cancels stale tickets ahead of a read.
type Sweeper interface {
	SweepStaleTickets(ctx context.Context, departmentID string) (int, error)
}

type Options struct {
	Now        func() time.Time
	ServiceDay lifecycle.ServiceDay
	Logger     *zap.Logger
}

type Service struct {
	source   Source
	sweeper  Sweeper
	displays *display.Registry
	now      func() time.Time
	day      lifecycle.ServiceDay
	logger   *zap.Logger
}

func New(source Source, sweeper Sweeper, displays *display.Registry, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		source:   source,
		sweeper:  sweeper,
		displays: displays,
		now:      now,
		day:      opts.ServiceDay,
		logger:   logger,
	}
}

// WorkstationView is what a counter's screen shows for its department.
type WorkstationView struct {
	DepartmentID    string          `json:"department_id"`
	Waiting         []models.Ticket `json:"waiting"`
	Processing      []models.Ticket `json:"processing"`
	WaitingCount    int             `json:"waiting_count"`
	ProcessingCount int             `json:"processing_count"`
	Serving         *models.Ticket  `json:"serving,omitempty"`
}

// ListActive sweeps stale tickets of the department and then returns WAITING tickets
// oldest first followed by PROCESSING tickets. A failed sweep only leaves stale tickets
// visible.
func (s *Service) ListActive(ctx context.Context, departmentID string) ([]models.Ticket, error) {
	if departmentID == "" {
		return nil, store.Validation("department_id is required")
	}
	if _, err := s.source.GetDepartment(ctx, departmentID); err != nil {
		return nil, err
	}
	if s.sweeper != nil {
		if n, err := s.sweeper.SweepStaleTickets(ctx, departmentID); err != nil {
			s.logger.Warn("stale ticket sweep failed",
				zap.String("department_id", departmentID),
				zap.Int("cancelled", n),
				zap.Error(err),
			)
		} else if n > 0 {
			s.logger.Info("stale tickets cancelled", zap.String("department_id", departmentID), zap.Int("cancelled", n))
		}
	}
	tickets, err := s.source.ListActive(ctx, departmentID)
	if err != nil {
		return nil, err
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	return tickets, nil
}

// Workstation splits the active list. When counterID is set the ticket it is serving is
// reported alongside.
func (s *Service) Workstation(ctx context.Context, departmentID, counterID string) (WorkstationView, error) {
	tickets, err := s.ListActive(ctx, departmentID)
	if err != nil {
		return WorkstationView{}, err
	}
	view := WorkstationView{
		DepartmentID: departmentID,
		Waiting:      []models.Ticket{},
		Processing:   []models.Ticket{},
	}
	for _, t := range tickets {
		switch t.Status {
		case models.StatusWaiting:
			view.Waiting = append(view.Waiting, t)
		case models.StatusProcessing:
			view.Processing = append(view.Processing, t)
			if counterID != "" && t.Counter() == counterID {
				serving := t
				view.Serving = &serving
			}
		}
	}
	view.WaitingCount = len(view.Waiting)
	view.ProcessingCount = len(view.Processing)
	return view, nil
}

func (s *Service) ActiveForCounter(ctx context.Context, counterID string) (models.Ticket, bool, error) {
	if _, err := s.source.GetCounter(ctx, counterID); err != nil {
		return models.Ticket{}, false, err
	}
	return s.source.GetActiveForCounter(ctx, counterID)
}

func (s *Service) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	return s.source.GetTicket(ctx, ticketID)
}

func (s *Service) Logs(ctx context.Context, ticketID string) ([]models.LogEntry, error) {
	return nonNilLogs(s.source.ListLogs(ctx, ticketID))
}

func (s *Service) Remarks(ctx context.Context, ticketID string) ([]models.LogEntry, error) {
	return nonNilLogs(s.source.ListRemarks(ctx, ticketID))
}

// Search matches text against queue numbers, type names and role names of tickets
// issued on the current service day, newest first.
func (s *Service) Search(ctx context.Context, text string, limit int) ([]models.Ticket, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	tickets, err := s.source.Search(ctx, store.SearchQuery{
		Text:  text,
		Since: s.day.Start(s.now()),
		Limit: limit,
	})
	if err != nil {
		return nil, err
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	return tickets, nil
}

func nonNilLogs(entries []models.LogEntry, err error) ([]models.LogEntry, error) {
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []models.LogEntry{}
	}
	return entries, nil
}
