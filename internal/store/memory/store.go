package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

// Store keeps tickets and logs in process memory. Units of work stage their writes and
// apply them on commit; a commit that would leave a counter serving two tickets fails.
// Per-ticket exclusion comes from the caller's lock arena.
type Store struct {
	mu sync.RWMutex

	departments map[string]models.Department
	counters    map[string]models.Counter
	queueTypes  map[string]models.QueueType
	caseRoles   map[string]models.CaseRole

	tickets   map[string]models.Ticket
	logs      map[int64]models.LogEntry
	byTicket  map[string][]int64
	sequences map[string]int64
	nextLogID int64
}

func New(seed Seed) *Store {
	s := &Store{
		departments: make(map[string]models.Department),
		counters:    make(map[string]models.Counter),
		queueTypes:  make(map[string]models.QueueType),
		caseRoles:   make(map[string]models.CaseRole),
		tickets:     make(map[string]models.Ticket),
		logs:        make(map[int64]models.LogEntry),
		byTicket:    make(map[string][]int64),
		sequences:   make(map[string]int64),
	}
	for _, d := range seed.Departments {
		s.departments[d.DepartmentID] = d
	}
	for _, c := range seed.Counters {
		s.counters[c.CounterID] = c
	}
	for _, qt := range seed.QueueTypes {
		s.queueTypes[qt.TypeID] = qt
	}
	for _, r := range seed.CaseRoles {
		s.caseRoles[r.RoleID] = r
	}
	return s
}

// PutTicket stores t as-is, bypassing the lifecycle. Used to load fixtures.
func (s *Store) PutTicket(t models.Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[t.TicketID] = cloneTicket(t)
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		store:   s,
		tickets: make(map[string]models.Ticket),
		deleted: make(map[int64]bool),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Store) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range tx.tickets {
		if (t.CounterID != nil) != (t.Status == models.StatusProcessing) {
			return fmt.Errorf("ticket %s: counter must be set exactly when processing", id)
		}
		if t.Status != models.StatusProcessing {
			continue
		}
		for otherID, other := range s.tickets {
			if otherID == id {
				continue
			}
			if staged, ok := tx.tickets[otherID]; ok {
				other = staged
			}
			if other.Status == models.StatusProcessing && other.Counter() == t.Counter() {
				return &store.ConflictError{CounterID: t.Counter(), TicketID: otherID}
			}
		}
	}

	for id, t := range tx.tickets {
		s.tickets[id] = t
	}
	for id := range tx.deleted {
		entry, ok := s.logs[id]
		if !ok {
			continue
		}
		delete(s.logs, id)
		ids := s.byTicket[entry.TicketID]
		for i, logID := range ids {
			if logID == id {
				s.byTicket[entry.TicketID] = append(ids[:i:i], ids[i+1:]...)
				break
			}
		}
	}
	for _, entry := range tx.appended {
		s.logs[entry.LogID] = entry
		s.byTicket[entry.TicketID] = append(s.byTicket[entry.TicketID], entry.LogID)
	}
	return nil
}

type memTx struct {
	store    *Store
	tickets  map[string]models.Ticket
	appended []models.LogEntry
	deleted  map[int64]bool
}

func (tx *memTx) GetTicketForUpdate(ctx context.Context, ticketID string) (models.Ticket, error) {
	if t, ok := tx.tickets[ticketID]; ok {
		return tx.store.decorate(t), nil
	}
	return tx.store.GetTicket(ctx, ticketID)
}

func (tx *memTx) CounterOccupant(ctx context.Context, counterID string) (models.Ticket, bool, error) {
	for _, t := range tx.tickets {
		if t.Status == models.StatusProcessing && t.Counter() == counterID {
			return tx.store.decorate(t), true, nil
		}
	}
	t, found, err := tx.store.GetActiveForCounter(ctx, counterID)
	if err != nil || !found {
		return models.Ticket{}, false, err
	}
	if staged, ok := tx.tickets[t.TicketID]; ok && staged.Counter() != counterID {
		return models.Ticket{}, false, nil
	}
	return t, true, nil
}

func (tx *memTx) InsertTicket(ctx context.Context, ticket models.Ticket) error {
	tx.store.mu.RLock()
	_, exists := tx.store.tickets[ticket.TicketID]
	tx.store.mu.RUnlock()
	if _, staged := tx.tickets[ticket.TicketID]; exists || staged {
		return fmt.Errorf("ticket %s already exists", ticket.TicketID)
	}
	tx.tickets[ticket.TicketID] = cloneTicket(ticket)
	return nil
}

func (tx *memTx) UpdateTicket(ctx context.Context, ticket models.Ticket) error {
	if _, ok := tx.tickets[ticket.TicketID]; !ok {
		tx.store.mu.RLock()
		_, exists := tx.store.tickets[ticket.TicketID]
		tx.store.mu.RUnlock()
		if !exists {
			return store.ErrTicketNotFound
		}
	}
	tx.tickets[ticket.TicketID] = cloneTicket(ticket)
	return nil
}

// NextSequence is not rolled back with the unit of work; a failed create leaves a gap.
func (tx *memTx) NextSequence(ctx context.Context, serviceDate, typeCode string) (int64, error) {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	key := serviceDate + "|" + typeCode
	tx.store.sequences[key]++
	return tx.store.sequences[key], nil
}

// AppendLog draws the id immediately; ids of rolled back entries are never reused.
func (tx *memTx) AppendLog(ctx context.Context, entry models.LogEntry) (models.LogEntry, error) {
	tx.store.mu.Lock()
	tx.store.nextLogID++
	entry.LogID = tx.store.nextLogID
	tx.store.mu.Unlock()
	tx.appended = append(tx.appended, entry)
	return entry, nil
}

func (tx *memTx) GetLogEntry(ctx context.Context, logID int64) (models.LogEntry, error) {
	if tx.deleted[logID] {
		return models.LogEntry{}, store.ErrLogNotFound
	}
	return tx.store.GetLogEntry(ctx, logID)
}

func (tx *memTx) DeleteLogEntry(ctx context.Context, logID int64) error {
	if _, err := tx.GetLogEntry(ctx, logID); err != nil {
		return err
	}
	tx.deleted[logID] = true
	return nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return s.decorateLocked(t), nil
}

func (s *Store) ListActive(ctx context.Context, departmentID string) ([]models.Ticket, error) {
	waiting := s.filter(func(t models.Ticket) bool {
		return t.DepartmentID == departmentID && t.Status == models.StatusWaiting
	})
	processing := s.filter(func(t models.Ticket) bool {
		return t.DepartmentID == departmentID && t.Status == models.StatusProcessing
	})
	sortOldestFirst(waiting)
	sortOldestFirst(processing)
	return append(waiting, processing...), nil
}

func (s *Store) ListStaleWaiting(ctx context.Context, departmentID string, before time.Time) ([]models.Ticket, error) {
	stale := s.filter(func(t models.Ticket) bool {
		return (departmentID == "" || t.DepartmentID == departmentID) &&
			t.Status == models.StatusWaiting &&
			t.CreatedAt.Before(before)
	})
	sortOldestFirst(stale)
	return stale, nil
}

func (s *Store) GetActiveForCounter(ctx context.Context, counterID string) (models.Ticket, bool, error) {
	found := s.filter(func(t models.Ticket) bool {
		return t.Status == models.StatusProcessing && t.Counter() == counterID
	})
	if len(found) == 0 {
		return models.Ticket{}, false, nil
	}
	return found[0], true, nil
}

func (s *Store) Search(ctx context.Context, query store.SearchQuery) ([]models.Ticket, error) {
	needle := strings.ToLower(strings.TrimSpace(query.Text))
	matches := s.filter(func(t models.Ticket) bool {
		if !query.Since.IsZero() && t.CreatedAt.Before(query.Since) {
			return false
		}
		if needle == "" {
			return true
		}
		return strings.Contains(strings.ToLower(t.QueueNumber), needle) ||
			strings.Contains(strings.ToLower(t.TypeName), needle) ||
			strings.Contains(strings.ToLower(t.RoleName), needle)
	})
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	if query.Limit > 0 && len(matches) > query.Limit {
		matches = matches[:query.Limit]
	}
	return matches, nil
}

func (s *Store) HistoryByDateRange(ctx context.Context, start, end time.Time) ([]models.Ticket, error) {
	tickets := s.filter(func(t models.Ticket) bool {
		return !t.CreatedAt.Before(start) && t.CreatedAt.Before(end)
	})
	sortOldestFirst(tickets)
	return tickets, nil
}

func (s *Store) ListForDisplay(ctx context.Context, filter store.DisplayFilter) ([]models.Ticket, error) {
	depts := make(map[string]bool, len(filter.DepartmentIDs))
	for _, id := range filter.DepartmentIDs {
		depts[id] = true
	}
	statuses := make(map[models.Status]bool, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses[st] = true
	}
	tickets := s.filter(func(t models.Ticket) bool {
		if !depts[t.DepartmentID] {
			return false
		}
		if len(statuses) == 0 {
			if t.Status.Terminal() {
				return false
			}
		} else if !statuses[t.Status] {
			return false
		}
		return filter.Since.IsZero() || !t.CreatedAt.Before(filter.Since)
	})
	sortOldestFirst(tickets)
	return tickets, nil
}

func (s *Store) CountByDayAndType(ctx context.Context, start, end time.Time, loc *time.Location) ([]models.DailyTypeCount, error) {
	if loc == nil {
		loc = time.UTC
	}
	tickets, err := s.HistoryByDateRange(ctx, start, end)
	if err != nil {
		return nil, err
	}
	rows := make(map[string]*models.DailyTypeCount)
	var keys []string
	for _, t := range tickets {
		date := t.CreatedAt.In(loc).Format("2006-01-02")
		key := date + "|" + t.TypeID
		row, ok := rows[key]
		if !ok {
			row = &models.DailyTypeCount{Date: date, TypeID: t.TypeID, TypeName: t.TypeName}
			rows[key] = row
			keys = append(keys, key)
		}
		row.Total++
		switch t.Status {
		case models.StatusCompleted:
			row.Completed++
		case models.StatusCancelled:
			row.Cancelled++
		default:
			row.Waiting++
		}
	}
	sort.Strings(keys)
	out := make([]models.DailyTypeCount, 0, len(keys))
	for _, key := range keys {
		out = append(out, *rows[key])
	}
	return out, nil
}

func (s *Store) ListLogs(ctx context.Context, ticketID string) ([]models.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tickets[ticketID]; !ok {
		return nil, store.ErrTicketNotFound
	}
	ids := s.byTicket[ticketID]
	entries := make([]models.LogEntry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, s.logs[id])
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].LogID < entries[j].LogID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

func (s *Store) ListRemarks(ctx context.Context, ticketID string) ([]models.LogEntry, error) {
	entries, err := s.ListLogs(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	remarks := entries[:0]
	for _, entry := range entries {
		if entry.ActionType == models.ActionRemark {
			remarks = append(remarks, entry)
		}
	}
	return remarks, nil
}

func (s *Store) GetLogEntry(ctx context.Context, logID int64) (models.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.logs[logID]
	if !ok {
		return models.LogEntry{}, store.ErrLogNotFound
	}
	return entry, nil
}

func (s *Store) GetDepartment(ctx context.Context, departmentID string) (models.Department, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.departments[departmentID]
	if !ok {
		return models.Department{}, store.ErrDepartmentNotFound
	}
	return d, nil
}

func (s *Store) GetCounter(ctx context.Context, counterID string) (models.Counter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.counters[counterID]
	if !ok {
		return models.Counter{}, store.ErrCounterNotFound
	}
	return c, nil
}

func (s *Store) GetQueueType(ctx context.Context, typeID string) (models.QueueType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	qt, ok := s.queueTypes[typeID]
	if !ok {
		return models.QueueType{}, store.ErrQueueTypeNotFound
	}
	return qt, nil
}

func (s *Store) GetCaseRole(ctx context.Context, roleID string) (models.CaseRole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.caseRoles[roleID]
	if !ok {
		return models.CaseRole{}, store.ErrCaseRoleNotFound
	}
	return r, nil
}

func (s *Store) filter(keep func(models.Ticket) bool) []models.Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Ticket
	for _, t := range s.tickets {
		t = s.decorateLocked(t)
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

func (s *Store) decorate(t models.Ticket) models.Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decorateLocked(t)
}

func (s *Store) decorateLocked(t models.Ticket) models.Ticket {
	t = cloneTicket(t)
	if qt, ok := s.queueTypes[t.TypeID]; ok {
		t.TypeCode = qt.Code
		t.TypeName = qt.Name
	}
	if r, ok := s.caseRoles[t.RoleID]; ok {
		t.RoleName = r.Name
	}
	return t
}

func sortOldestFirst(tickets []models.Ticket) {
	sort.SliceStable(tickets, func(i, j int) bool {
		if tickets[i].CreatedAt.Equal(tickets[j].CreatedAt) {
			return tickets[i].QueueNumber < tickets[j].QueueNumber
		}
		return tickets[i].CreatedAt.Before(tickets[j].CreatedAt)
	})
}

func cloneTicket(t models.Ticket) models.Ticket {
	if t.CounterID != nil {
		id := *t.CounterID
		t.CounterID = &id
	}
	return t
}

var _ store.Store = (*Store)(nil)
