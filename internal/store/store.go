package store

import (
	"context"
	"time"

	"qms/dispatch-service/internal/models"
)

// Store is the Ticket Store and Audit Log. Writers go through WithinTx so a state
// change and its log entry commit or roll back together.
type Store interface {
	Reader
	Reference
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is one unit of work. GetTicketForUpdate holds the row until the unit ends.
type Tx interface {
	GetTicketForUpdate(ctx context.Context, ticketID string) (models.Ticket, error)
	CounterOccupant(ctx context.Context, counterID string) (models.Ticket, bool, error)
	InsertTicket(ctx context.Context, ticket models.Ticket) error
	UpdateTicket(ctx context.Context, ticket models.Ticket) error
	NextSequence(ctx context.Context, serviceDate, typeCode string) (int64, error)
	AppendLog(ctx context.Context, entry models.LogEntry) (models.LogEntry, error)
	GetLogEntry(ctx context.Context, logID int64) (models.LogEntry, error)
	DeleteLogEntry(ctx context.Context, logID int64) error
}

type Reader interface {
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	// ListActive returns WAITING tickets oldest first followed by PROCESSING tickets.
	ListActive(ctx context.Context, departmentID string) ([]models.Ticket, error)
	ListStaleWaiting(ctx context.Context, departmentID string, before time.Time) ([]models.Ticket, error)
	GetActiveForCounter(ctx context.Context, counterID string) (models.Ticket, bool, error)
	Search(ctx context.Context, query SearchQuery) ([]models.Ticket, error)
	HistoryByDateRange(ctx context.Context, start, end time.Time) ([]models.Ticket, error)
	ListForDisplay(ctx context.Context, filter DisplayFilter) ([]models.Ticket, error)
	CountByDayAndType(ctx context.Context, start, end time.Time, loc *time.Location) ([]models.DailyTypeCount, error)
	ListLogs(ctx context.Context, ticketID string) ([]models.LogEntry, error)
	ListRemarks(ctx context.Context, ticketID string) ([]models.LogEntry, error)
	GetLogEntry(ctx context.Context, logID int64) (models.LogEntry, error)
}

// Reference is the read-only view of admin-owned reference data.
type Reference interface {
	GetDepartment(ctx context.Context, departmentID string) (models.Department, error)
	GetCounter(ctx context.Context, counterID string) (models.Counter, error)
	GetQueueType(ctx context.Context, typeID string) (models.QueueType, error)
	GetCaseRole(ctx context.Context, roleID string) (models.CaseRole, error)
}

type SearchQuery struct {
	Text  string
	Since time.Time
	Limit int
}

// DisplayFilter selects tickets for one display section. Empty Statuses means all
// non-terminal statuses.
type DisplayFilter struct {
	DepartmentIDs []string
	Statuses      []models.Status
	Since         time.Time
}
