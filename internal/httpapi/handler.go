package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"qms/dispatch-service/internal/dispatch"
	"qms/dispatch-service/internal/hub"
	"qms/dispatch-service/internal/lifecycle"
	"qms/dispatch-service/internal/metrics"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/projection"
	"qms/dispatch-service/internal/report"
	"qms/dispatch-service/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	dispatch *dispatch.Coordinator
	queries  *projection.Service
	hub      *hub.Hub
	auth     *Authenticator
	limiter  *RateLimiter
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	metrics  *metrics.Metrics
	validate *validator.Validate
}

type Options struct {
	Hub       *hub.Hub
	Auth      *Authenticator
	RateLimit RateLimitConfig
	Gatherer  prometheus.Gatherer
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

func NewHandler(coordinator *dispatch.Coordinator, queries *projection.Service, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	auth := opts.Auth
	if auth == nil {
		auth = NewAuthenticator("", "")
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		dispatch: coordinator,
		queries:  queries,
		hub:      opts.Hub,
		auth:     auth,
		limiter:  NewRateLimiter(opts.RateLimit),
		gatherer: gatherer,
		logger:   logger,
		metrics:  opts.Metrics,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(LoggingMiddleware(h.logger, h.metrics))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	if h.hub != nil {
		r.Handle("/realtime/*", h.sockJSHandler())
		r.Get("/ws", h.handleWebSocket)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(h.limiter.Middleware)

		r.Post("/tickets", h.handleCreateTicket)
		r.Get("/displays", h.handleListDisplays)
		r.Get("/displays/{displayID}", h.handleDisplay)

		r.Group(func(r chi.Router) {
			r.Use(h.auth.Middleware)
			r.Use(h.limiter.StaffMiddleware)

			r.Get("/tickets/search", h.handleSearch)
			r.Post("/tickets/actions/call-bulk", h.handleCallBulk)
			r.Post("/tickets/actions/complete-bulk", h.handleCompleteBulk)
			r.Post("/tickets/actions/cancel-bulk", h.handleCancelBulk)
			r.Post("/tickets/actions/transfer-bulk", h.handleTransferBulk)

			r.Get("/tickets/{ticketID}", h.handleGetTicket)
			r.Get("/tickets/{ticketID}/logs", h.handleLogs)
			r.Get("/tickets/{ticketID}/remarks", h.handleRemarks)
			r.Post("/tickets/{ticketID}/remarks", h.handleAddRemark)
			r.Post("/tickets/{ticketID}/actions/call", h.handleCall)
			r.Post("/tickets/{ticketID}/actions/cancel-call", h.handleCancelCall)
			r.Post("/tickets/{ticketID}/actions/complete", h.handleComplete)
			r.Post("/tickets/{ticketID}/actions/cancel", h.handleCancel)
			r.Post("/tickets/{ticketID}/actions/transfer", h.handleTransfer)
			r.Delete("/remarks/{logID}", h.handleDeleteRemark)

			r.Get("/departments/{departmentID}/tickets", h.handleListActive)
			r.Get("/departments/{departmentID}/queue", h.handleWorkstation)
			r.Get("/counters/{counterID}/active", h.handleCounterActive)

			r.Get("/reports/history", h.handleHistory)
			r.Get("/reports/history.xlsx", h.handleHistoryExport)
			r.Get("/reports/daily", h.handleDailyCounts)
		})
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type createTicketRequest struct {
	TypeID string `json:"type_id" validate:"required,max=64"`
	RoleID string `json:"role_id" validate:"required,max=64"`
}

func (h *Handler) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	ticket, err := h.dispatch.CreateTicket(r.Context(), lifecycle.CreateInput{
		TypeID: req.TypeID,
		RoleID: req.RoleID,
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

type callRequest struct {
	CounterID string `json:"counter_id" validate:"omitempty,max=64"`
}

func (h *Handler) handleCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if !h.decodeOptionalRequest(w, r, &req) {
		return
	}
	staff, _ := staffFromContext(r.Context())
	counterID := req.CounterID
	if counterID == "" {
		counterID = staff.CounterID
	}
	if counterID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, store.KindValidation.String(), "counter_id is required")
		return
	}
	ticket, err := h.dispatch.Call(r.Context(), lifecycle.CallInput{
		TicketID:  chi.URLParam(r, "ticketID"),
		CounterID: counterID,
		Actor:     staff.ID,
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

type actionRequest struct {
	CounterID string `json:"counter_id" validate:"omitempty,max=64"`
}

func (h *Handler) handleCancelCall(w http.ResponseWriter, r *http.Request) {
	h.handleAction(w, r, h.dispatch.CancelCall)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	h.handleAction(w, r, h.dispatch.Complete)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.handleAction(w, r, h.dispatch.Cancel)
}

func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, lifecycle.ActionInput) (models.Ticket, error)) {
	var req actionRequest
	if !h.decodeOptionalRequest(w, r, &req) {
		return
	}
	staff, _ := staffFromContext(r.Context())
	ticket, err := fn(r.Context(), lifecycle.ActionInput{
		TicketID:  chi.URLParam(r, "ticketID"),
		CounterID: req.CounterID,
		Actor:     staff.ID,
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

type transferRequest struct {
	DepartmentID string `json:"department_id" validate:"required,max=64"`
	Reason       string `json:"reason" validate:"max=500"`
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	staff, _ := staffFromContext(r.Context())
	ticket, err := h.dispatch.Transfer(r.Context(), lifecycle.TransferInput{
		TicketID:     chi.URLParam(r, "ticketID"),
		DepartmentID: req.DepartmentID,
		Reason:       req.Reason,
		Actor:        staff.ID,
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

type remarkRequest struct {
	Text string `json:"text" validate:"required"`
}

type remarkResponse struct {
	Remark models.LogEntry `json:"remark"`
	Ticket models.Ticket   `json:"ticket"`
}

func (h *Handler) handleAddRemark(w http.ResponseWriter, r *http.Request) {
	var req remarkRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	staff, _ := staffFromContext(r.Context())
	entry, ticket, err := h.dispatch.AddRemark(r.Context(), lifecycle.RemarkInput{
		TicketID: chi.URLParam(r, "ticketID"),
		Text:     req.Text,
		Actor:    staff.ID,
	})
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, remarkResponse{Remark: entry, Ticket: ticket})
}

func (h *Handler) handleDeleteRemark(w http.ResponseWriter, r *http.Request) {
	logID, err := strconv.ParseInt(chi.URLParam(r, "logID"), 10, 64)
	if err != nil || logID <= 0 {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, store.KindValidation.String(), "log id must be a positive integer")
		return
	}
	staff, _ := staffFromContext(r.Context())
	ticket, err := h.dispatch.DeleteRemark(r.Context(), logID, staff.ID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

type bulkRequest struct {
	TicketIDs []string `json:"ticket_ids" validate:"required,min=1,dive,required"`
}

type bulkCallRequest struct {
	TicketIDs []string `json:"ticket_ids" validate:"required,min=1,dive,required"`
	CounterID string   `json:"counter_id" validate:"omitempty,max=64"`
}

type bulkTransferRequest struct {
	TicketIDs    []string `json:"ticket_ids" validate:"required,min=1,dive,required"`
	DepartmentID string   `json:"department_id" validate:"required,max=64"`
	Reason       string   `json:"reason" validate:"max=500"`
}

type bulkItemResponse struct {
	TicketID string         `json:"ticket_id"`
	Ticket   *models.Ticket `json:"ticket,omitempty"`
	Error    *responseError `json:"error,omitempty"`
}

type bulkResponse struct {
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
	Items     []bulkItemResponse `json:"items"`
}

func (h *Handler) handleCallBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkCallRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	staff, _ := staffFromContext(r.Context())
	counterID := req.CounterID
	if counterID == "" {
		counterID = staff.CounterID
	}
	if counterID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, store.KindValidation.String(), "counter_id is required")
		return
	}
	result, err := h.dispatch.CallBulk(r.Context(), req.TicketIDs, counterID, staff.ID)
	h.writeBulk(w, r, result, err)
}

func (h *Handler) handleCompleteBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	staff, _ := staffFromContext(r.Context())
	result, err := h.dispatch.CompleteBulk(r.Context(), req.TicketIDs, staff.ID)
	h.writeBulk(w, r, result, err)
}

func (h *Handler) handleCancelBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	staff, _ := staffFromContext(r.Context())
	result, err := h.dispatch.CancelBulk(r.Context(), req.TicketIDs, staff.ID)
	h.writeBulk(w, r, result, err)
}

func (h *Handler) handleTransferBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkTransferRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	staff, _ := staffFromContext(r.Context())
	result, err := h.dispatch.TransferBulk(r.Context(), req.TicketIDs, req.DepartmentID, req.Reason, staff.ID)
	h.writeBulk(w, r, result, err)
}

func (h *Handler) writeBulk(w http.ResponseWriter, r *http.Request, result dispatch.BulkResult, err error) {
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	resp := bulkResponse{
		Succeeded: result.Succeeded,
		Failed:    result.Failed,
		Items:     make([]bulkItemResponse, 0, len(result.Items)),
	}
	for _, item := range result.Items {
		out := bulkItemResponse{TicketID: item.TicketID, Ticket: item.Ticket}
		if item.Err != nil {
			_, body := h.mapError(r, item.Err)
			out.Error = &body
		}
		resp.Items = append(resp.Items, out)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := h.queries.GetTicket(r.Context(), chi.URLParam(r, "ticketID"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := h.queries.Logs(r.Context(), chi.URLParam(r, "ticketID"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleRemarks(w http.ResponseWriter, r *http.Request) {
	entries, err := h.queries.Remarks(r.Context(), chi.URLParam(r, "ticketID"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleListActive(w http.ResponseWriter, r *http.Request) {
	tickets, err := h.queries.ListActive(r.Context(), chi.URLParam(r, "departmentID"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) handleWorkstation(w http.ResponseWriter, r *http.Request) {
	counterID := strings.TrimSpace(r.URL.Query().Get("counter_id"))
	if counterID == "" {
		staff, _ := staffFromContext(r.Context())
		counterID = staff.CounterID
	}
	view, err := h.queries.Workstation(r.Context(), chi.URLParam(r, "departmentID"), counterID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type counterActiveResponse struct {
	CounterID string         `json:"counter_id"`
	Ticket    *models.Ticket `json:"ticket"`
}

func (h *Handler) handleCounterActive(w http.ResponseWriter, r *http.Request) {
	counterID := chi.URLParam(r, "counterID")
	ticket, ok, err := h.queries.ActiveForCounter(r.Context(), counterID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	resp := counterActiveResponse{CounterID: counterID}
	if ok {
		resp.Ticket = &ticket
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, store.KindValidation.String(), "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	tickets, err := h.queries.Search(r.Context(), query.Get("q"), limit)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	start, end, err := h.queries.DateRange(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	tickets, err := h.queries.History(r.Context(), start, end)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) handleDailyCounts(w http.ResponseWriter, r *http.Request) {
	start, end, err := h.queries.DateRange(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	rows, err := h.queries.DailyCounts(r.Context(), start, end)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handler) handleHistoryExport(w http.ResponseWriter, r *http.Request) {
	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	start, end, err := h.queries.DateRange(from, to)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	tickets, err := h.queries.History(r.Context(), start, end)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	counts, err := h.queries.DailyCounts(r.Context(), start, end)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := report.WriteHistory(&buf, tickets, counts, start.Location()); err != nil {
		h.writeStoreError(w, r, fmt.Errorf("build history workbook: %w", err))
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="history_%s_%s.xlsx"`, from, to))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	if _, err := buf.WriteTo(w); err != nil {
		h.logger.Warn("write history workbook", zap.Error(err))
	}
}

func (h *Handler) handleListDisplays(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.queries.Displays())
}

func (h *Handler) handleDisplay(w http.ResponseWriter, r *http.Request) {
	view, err := h.queries.Display(r.Context(), chi.URLParam(r, "displayID"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// decodeRequest decodes a JSON body strictly and validates it.
func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	return h.decode(w, r, target, false)
}

// decodeOptionalRequest is decodeRequest for endpoints whose body may be empty.
func (h *Handler) decodeOptionalRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	return h.decode(w, r, target, true)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target interface{}, optional bool) bool {
	if r.Body != nil && r.Body != http.NoBody {
		decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		decoder.DisallowUnknownFields()
		err := decoder.Decode(target)
		if err != nil && !(optional && errors.Is(err, io.EOF)) {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
			return false
		}
	} else if !optional {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return h.validateRequest(w, r, target)
}

func (h *Handler) validateRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	if err := h.validate.Struct(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, store.KindValidation.String(), validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return "invalid request"
	}
	fe := errs[0]
	field := jsonFieldName(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return field + " must not be empty"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	default:
		return field + " is invalid"
	}
}

var jsonFieldNames = map[string]string{
	"TypeID":       "type_id",
	"RoleID":       "role_id",
	"CounterID":    "counter_id",
	"DepartmentID": "department_id",
	"Reason":       "reason",
	"Text":         "text",
	"TicketIDs":    "ticket_ids",
}

func jsonFieldName(field string) string {
	if name, ok := jsonFieldNames[field]; ok {
		return name
	}
	if strings.HasPrefix(field, "TicketIDs[") {
		return "ticket_ids"
	}
	return strings.ToLower(field)
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	ActualState string `json:"actual_state,omitempty"`
	CounterID   string `json:"counter_id,omitempty"`
	TicketID    string `json:"ticket_id,omitempty"`
}

// mapError translates the store failure taxonomy into an HTTP status and error body.
func (h *Handler) mapError(r *http.Request, err error) (int, responseError) {
	kind := store.KindOf(err)
	body := responseError{Code: kind.String(), Message: err.Error()}
	switch kind {
	case store.KindNotFound:
		return http.StatusNotFound, body
	case store.KindInvalidTransition:
		if actual, ok := store.ActualState(err); ok {
			body.ActualState = string(actual)
		}
		return http.StatusConflict, body
	case store.KindCounterConflict:
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			body.CounterID = conflict.CounterID
			body.TicketID = conflict.TicketID
		}
		return http.StatusConflict, body
	case store.KindDepartmentInvalid:
		return http.StatusUnprocessableEntity, body
	case store.KindValidation:
		return http.StatusBadRequest, body
	default:
		h.logger.Error("request failed",
			zap.String("request_id", requestIDFromRequest(r)),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		body.Message = "internal server error"
		return http.StatusInternalServerError, body
	}
}

func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := h.mapError(r, err)
	writeJSON(w, status, errorResponse{RequestID: requestIDFromRequest(r), Error: body})
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
