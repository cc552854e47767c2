package models

import "time"

type ActionType string

const (
	ActionCreate       ActionType = "CREATE"
	ActionCall         ActionType = "CALL"
	ActionCancelCall   ActionType = "CANCEL_CALL"
	ActionComplete     ActionType = "COMPLETE"
	ActionCancel       ActionType = "CANCEL"
	ActionTransfer     ActionType = "TRANSFER"
	ActionRemark       ActionType = "REMARK"
	ActionSystemCancel ActionType = "SYSTEM_CANCEL"
)

// SystemActor marks log entries written without a staff request.
const SystemActor = "system"

type LogEntry struct {
	LogID         int64      `json:"log_id"`
	TicketID      string     `json:"ticket_id"`
	ActionType    ActionType `json:"action_type"`
	ActionDetails string     `json:"action_details"`
	Actor         string     `json:"actor"`
	CreatedAt     time.Time  `json:"created_at"`
}
