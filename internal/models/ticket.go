package models

import "time"

type Status string

const (
	StatusWaiting    Status = "WAITING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further lifecycle operation may change the ticket.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusProcessing, StatusCompleted, StatusCancelled:
		return true
	default:
		return false
	}
}

type Ticket struct {
	TicketID     string    `json:"ticket_id"`
	QueueNumber  string    `json:"queue_number"`
	TypeID       string    `json:"type_id"`
	RoleID       string    `json:"role_id"`
	Status       Status    `json:"status"`
	DepartmentID string    `json:"current_department_id"`
	CounterID    *string   `json:"counter_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	RemarkCount  int       `json:"remark_count"`

	TypeCode string `json:"type_code,omitempty"`
	TypeName string `json:"type_name,omitempty"`
	RoleName string `json:"role_name,omitempty"`
}

// Counter returns the serving counter or "" when the ticket is not being served.
func (t Ticket) Counter() string {
	if t.CounterID == nil {
		return ""
	}
	return *t.CounterID
}

// DailyTypeCount is one row of the per-day, per-queue-type report.
type DailyTypeCount struct {
	Date      string `json:"date"`
	TypeID    string `json:"type_id"`
	TypeName  string `json:"type_name"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Cancelled int    `json:"cancelled"`
	Waiting   int    `json:"waiting"`
}
