package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	counterIndex        = "tickets_one_per_counter"
	uniqueViolationCode = "23505"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return err
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetTicketForUpdate(ctx context.Context, ticketID string) (models.Ticket, error) {
	return getTicket(ctx, t.tx, ticketByIDQuery(ticketID, true))
}

func (t *pgTx) CounterOccupant(ctx context.Context, counterID string) (models.Ticket, bool, error) {
	ticket, err := getTicket(ctx, t.tx, counterOccupantQuery(counterID, true))
	if errors.Is(err, store.ErrTicketNotFound) {
		return models.Ticket{}, false, nil
	}
	if err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (t *pgTx) InsertTicket(ctx context.Context, ticket models.Ticket) error {
	query, args, err := insertTicketQuery(ticket).ToSql()
	if err != nil {
		return fmt.Errorf("build insert ticket: %w", err)
	}
	if _, err := t.tx.Exec(ctx, query, args...); err != nil {
		return mapWriteError(err, ticket)
	}
	return nil
}

func (t *pgTx) UpdateTicket(ctx context.Context, ticket models.Ticket) error {
	query, args, err := updateTicketQuery(ticket).ToSql()
	if err != nil {
		return fmt.Errorf("build update ticket: %w", err)
	}
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return mapWriteError(err, ticket)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrTicketNotFound
	}
	return nil
}

func (t *pgTx) NextSequence(ctx context.Context, serviceDate, typeCode string) (int64, error) {
	var next int64
	row := t.tx.QueryRow(ctx, `
		INSERT INTO ticket_sequences (service_date, type_code, next_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (service_date, type_code)
		DO UPDATE SET next_number = ticket_sequences.next_number + 1
		RETURNING next_number
	`, serviceDate, typeCode)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func (t *pgTx) AppendLog(ctx context.Context, entry models.LogEntry) (models.LogEntry, error) {
	query, args, err := psql.Insert("ticket_logs").
		Columns("ticket_id", "action_type", "action_details", "actor", "created_at").
		Values(entry.TicketID, string(entry.ActionType), entry.ActionDetails, entry.Actor, entry.CreatedAt).
		Suffix("RETURNING log_id").
		ToSql()
	if err != nil {
		return models.LogEntry{}, fmt.Errorf("build append log: %w", err)
	}
	if err := t.tx.QueryRow(ctx, query, args...).Scan(&entry.LogID); err != nil {
		return models.LogEntry{}, err
	}
	return entry, nil
}

func (t *pgTx) GetLogEntry(ctx context.Context, logID int64) (models.LogEntry, error) {
	return getLogEntry(ctx, t.tx, logID, true)
}

func (t *pgTx) DeleteLogEntry(ctx context.Context, logID int64) error {
	query, args, err := psql.Delete("ticket_logs").Where(sq.Eq{"log_id": logID}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete log: %w", err)
	}
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrLogNotFound
	}
	return nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	return getTicket(ctx, s.pool, ticketByIDQuery(ticketID, false))
}

func (s *Store) ListActive(ctx context.Context, departmentID string) ([]models.Ticket, error) {
	return listTickets(ctx, s.pool, listActiveQuery(departmentID))
}

func (s *Store) ListStaleWaiting(ctx context.Context, departmentID string, before time.Time) ([]models.Ticket, error) {
	return listTickets(ctx, s.pool, staleWaitingQuery(departmentID, before))
}

func (s *Store) GetActiveForCounter(ctx context.Context, counterID string) (models.Ticket, bool, error) {
	ticket, err := getTicket(ctx, s.pool, counterOccupantQuery(counterID, false))
	if errors.Is(err, store.ErrTicketNotFound) {
		return models.Ticket{}, false, nil
	}
	if err != nil {
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) Search(ctx context.Context, query store.SearchQuery) ([]models.Ticket, error) {
	return listTickets(ctx, s.pool, searchQuery(query))
}

func (s *Store) HistoryByDateRange(ctx context.Context, start, end time.Time) ([]models.Ticket, error) {
	return listTickets(ctx, s.pool, historyQuery(start, end))
}

func (s *Store) ListForDisplay(ctx context.Context, filter store.DisplayFilter) ([]models.Ticket, error) {
	if len(filter.DepartmentIDs) == 0 {
		return nil, nil
	}
	return listTickets(ctx, s.pool, displayQuery(filter))
}

func (s *Store) CountByDayAndType(ctx context.Context, start, end time.Time, loc *time.Location) ([]models.DailyTypeCount, error) {
	if loc == nil {
		loc = time.UTC
	}
	query, args, err := dailyCountQuery(start, end, loc).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build daily counts: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DailyTypeCount
	for rows.Next() {
		var row models.DailyTypeCount
		if err := rows.Scan(&row.Date, &row.TypeID, &row.TypeName, &row.Total, &row.Completed, &row.Cancelled, &row.Waiting); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListLogs(ctx context.Context, ticketID string) ([]models.LogEntry, error) {
	return s.listLogs(ctx, ticketID, false)
}

func (s *Store) ListRemarks(ctx context.Context, ticketID string) ([]models.LogEntry, error) {
	return s.listLogs(ctx, ticketID, true)
}

func (s *Store) listLogs(ctx context.Context, ticketID string, remarksOnly bool) ([]models.LogEntry, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tickets WHERE ticket_id = $1)`, ticketID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrTicketNotFound
	}

	query, args, err := logsQuery(ticketID, remarksOnly).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build logs query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.LogEntry
	for rows.Next() {
		entry, err := scanLogEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) GetLogEntry(ctx context.Context, logID int64) (models.LogEntry, error) {
	return getLogEntry(ctx, s.pool, logID, false)
}

func (s *Store) GetDepartment(ctx context.Context, departmentID string) (models.Department, error) {
	var d models.Department
	row := s.pool.QueryRow(ctx, `
		SELECT department_id, name, active FROM departments WHERE department_id = $1
	`, departmentID)
	if err := row.Scan(&d.DepartmentID, &d.Name, &d.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Department{}, store.ErrDepartmentNotFound
		}
		return models.Department{}, err
	}
	return d, nil
}

func (s *Store) GetCounter(ctx context.Context, counterID string) (models.Counter, error) {
	var c models.Counter
	row := s.pool.QueryRow(ctx, `
		SELECT counter_id, department_id, name, active FROM counters WHERE counter_id = $1
	`, counterID)
	if err := row.Scan(&c.CounterID, &c.DepartmentID, &c.Name, &c.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		return models.Counter{}, err
	}
	return c, nil
}

func (s *Store) GetQueueType(ctx context.Context, typeID string) (models.QueueType, error) {
	var qt models.QueueType
	row := s.pool.QueryRow(ctx, `
		SELECT type_id, code, name, department_id, active FROM queue_types WHERE type_id = $1
	`, typeID)
	if err := row.Scan(&qt.TypeID, &qt.Code, &qt.Name, &qt.DepartmentID, &qt.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueType{}, store.ErrQueueTypeNotFound
		}
		return models.QueueType{}, err
	}
	return qt, nil
}

func (s *Store) GetCaseRole(ctx context.Context, roleID string) (models.CaseRole, error) {
	var r models.CaseRole
	row := s.pool.QueryRow(ctx, `
		SELECT role_id, name, active FROM case_roles WHERE role_id = $1
	`, roleID)
	if err := row.Scan(&r.RoleID, &r.Name, &r.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.CaseRole{}, store.ErrCaseRoleNotFound
		}
		return models.CaseRole{}, err
	}
	return r, nil
}

func getTicket(ctx context.Context, q querier, builder sq.SelectBuilder) (models.Ticket, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return models.Ticket{}, fmt.Errorf("build ticket query: %w", err)
	}
	ticket, err := scanTicket(q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func listTickets(ctx context.Context, q querier, builder sq.SelectBuilder) ([]models.Ticket, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build ticket list: %w", err)
	}
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var counterIDNull sql.NullString
	if err := row.Scan(
		&ticket.TicketID,
		&ticket.QueueNumber,
		&ticket.TypeID,
		&ticket.RoleID,
		&ticket.Status,
		&ticket.DepartmentID,
		&counterIDNull,
		&ticket.CreatedAt,
		&ticket.UpdatedAt,
		&ticket.RemarkCount,
		&ticket.TypeCode,
		&ticket.TypeName,
		&ticket.RoleName,
	); err != nil {
		return models.Ticket{}, err
	}
	ticket.CounterID = nullStringPtr(counterIDNull)
	return ticket, nil
}

func getLogEntry(ctx context.Context, q querier, logID int64, forUpdate bool) (models.LogEntry, error) {
	builder := psql.Select(logColumns).From("ticket_logs").Where(sq.Eq{"log_id": logID})
	if forUpdate {
		builder = builder.Suffix("FOR UPDATE")
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return models.LogEntry{}, fmt.Errorf("build log query: %w", err)
	}
	entry, err := scanLogEntry(q.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.LogEntry{}, store.ErrLogNotFound
		}
		return models.LogEntry{}, err
	}
	return entry, nil
}

func scanLogEntry(row pgx.Row) (models.LogEntry, error) {
	var entry models.LogEntry
	err := row.Scan(&entry.LogID, &entry.TicketID, &entry.ActionType, &entry.ActionDetails, &entry.Actor, &entry.CreatedAt)
	return entry, err
}

// mapWriteError turns a violation of the one-ticket-per-counter index into a conflict.
func mapWriteError(err error, ticket models.Ticket) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode && pgErr.ConstraintName == counterIndex {
		return &store.ConflictError{CounterID: ticket.Counter()}
	}
	return err
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}

var _ store.Store = (*Store)(nil)
