package postgres

import (
	"strings"
	"time"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"

	sq "github.com/Masterminds/squirrel"
)

const ticketColumns = `t.ticket_id, t.queue_number, t.type_id, t.role_id, t.status, t.department_id,
	t.counter_id, t.created_at, t.updated_at, t.remark_count, qt.code, qt.name, cr.name`

const logColumns = "log_id, ticket_id, action_type, action_details, actor, created_at"

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var activeStatuses = []string{string(models.StatusWaiting), string(models.StatusProcessing)}

func ticketSelect() sq.SelectBuilder {
	return psql.Select(ticketColumns).
		From("tickets t").
		Join("queue_types qt ON qt.type_id = t.type_id").
		Join("case_roles cr ON cr.role_id = t.role_id")
}

func ticketByIDQuery(ticketID string, forUpdate bool) sq.SelectBuilder {
	q := ticketSelect().Where(sq.Eq{"t.ticket_id": ticketID})
	if forUpdate {
		q = q.Suffix("FOR UPDATE OF t")
	}
	return q
}

func counterOccupantQuery(counterID string, forUpdate bool) sq.SelectBuilder {
	q := ticketSelect().
		Where(sq.Eq{"t.counter_id": counterID, "t.status": string(models.StatusProcessing)}).
		Limit(1)
	if forUpdate {
		q = q.Suffix("FOR UPDATE OF t")
	}
	return q
}

func listActiveQuery(departmentID string) sq.SelectBuilder {
	return ticketSelect().
		Where(sq.Eq{"t.department_id": departmentID, "t.status": activeStatuses}).
		OrderBy("CASE t.status WHEN 'WAITING' THEN 0 ELSE 1 END", "t.created_at ASC", "t.queue_number ASC")
}

func staleWaitingQuery(departmentID string, before time.Time) sq.SelectBuilder {
	q := ticketSelect().
		Where(sq.Eq{"t.status": string(models.StatusWaiting)}).
		Where(sq.Lt{"t.created_at": before}).
		OrderBy("t.created_at ASC")
	if departmentID != "" {
		q = q.Where(sq.Eq{"t.department_id": departmentID})
	}
	return q
}

func searchQuery(query store.SearchQuery) sq.SelectBuilder {
	q := ticketSelect().OrderBy("t.created_at DESC")
	if !query.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"t.created_at": query.Since})
	}
	if text := strings.TrimSpace(query.Text); text != "" {
		pattern := "%" + escapeLike(text) + "%"
		q = q.Where(sq.Or{
			sq.ILike{"t.queue_number": pattern},
			sq.ILike{"qt.name": pattern},
			sq.ILike{"cr.name": pattern},
		})
	}
	if query.Limit > 0 {
		q = q.Limit(uint64(query.Limit))
	}
	return q
}

func historyQuery(start, end time.Time) sq.SelectBuilder {
	return ticketSelect().
		Where(sq.GtOrEq{"t.created_at": start}).
		Where(sq.Lt{"t.created_at": end}).
		OrderBy("t.created_at ASC", "t.queue_number ASC")
}

func displayQuery(filter store.DisplayFilter) sq.SelectBuilder {
	statuses := activeStatuses
	if len(filter.Statuses) > 0 {
		statuses = make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
	}
	q := ticketSelect().
		Where(sq.Eq{"t.department_id": filter.DepartmentIDs, "t.status": statuses}).
		OrderBy("t.created_at ASC", "t.queue_number ASC")
	if !filter.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"t.created_at": filter.Since})
	}
	return q
}

func dailyCountQuery(start, end time.Time, loc *time.Location) sq.SelectBuilder {
	return psql.Select().
		Column(sq.Expr("to_char(t.created_at AT TIME ZONE ?, 'YYYY-MM-DD') AS day", loc.String())).
		Columns(
			"t.type_id",
			"qt.name",
			"COUNT(*)",
			"COUNT(*) FILTER (WHERE t.status = 'COMPLETED')",
			"COUNT(*) FILTER (WHERE t.status = 'CANCELLED')",
			"COUNT(*) FILTER (WHERE t.status IN ('WAITING', 'PROCESSING'))",
		).
		From("tickets t").
		Join("queue_types qt ON qt.type_id = t.type_id").
		Where(sq.GtOrEq{"t.created_at": start}).
		Where(sq.Lt{"t.created_at": end}).
		GroupBy("day", "t.type_id", "qt.name").
		OrderBy("day ASC", "t.type_id ASC")
}

func logsQuery(ticketID string, remarksOnly bool) sq.SelectBuilder {
	q := psql.Select(logColumns).
		From("ticket_logs").
		Where(sq.Eq{"ticket_id": ticketID}).
		OrderBy("created_at ASC", "log_id ASC")
	if remarksOnly {
		q = q.Where(sq.Eq{"action_type": string(models.ActionRemark)})
	}
	return q
}

func updateTicketQuery(t models.Ticket) sq.UpdateBuilder {
	return psql.Update("tickets").
		Set("status", string(t.Status)).
		Set("department_id", t.DepartmentID).
		Set("counter_id", t.CounterID).
		Set("remark_count", t.RemarkCount).
		Set("updated_at", t.UpdatedAt).
		Where(sq.Eq{"ticket_id": t.TicketID})
}

func insertTicketQuery(t models.Ticket) sq.InsertBuilder {
	return psql.Insert("tickets").
		Columns("ticket_id", "queue_number", "type_id", "role_id", "status", "department_id", "counter_id", "remark_count", "created_at", "updated_at").
		Values(t.TicketID, t.QueueNumber, t.TypeID, t.RoleID, string(t.Status), t.DepartmentID, t.CounterID, t.RemarkCount, t.CreatedAt, t.UpdatedAt)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(value string) string {
	return likeEscaper.Replace(value)
}
