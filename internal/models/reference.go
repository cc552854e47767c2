package models

// Reference data below is owned by the admin subsystem and read-only here.

type Department struct {
	DepartmentID string `json:"department_id" koanf:"id"`
	Name         string `json:"name" koanf:"name"`
	Active       bool   `json:"active" koanf:"active"`
}

type Counter struct {
	CounterID    string `json:"counter_id" koanf:"id"`
	DepartmentID string `json:"department_id" koanf:"department_id"`
	Name         string `json:"name" koanf:"name"`
	Active       bool   `json:"active" koanf:"active"`
}

// QueueType is a visitor-selected service category. Code is the numbering prefix.
type QueueType struct {
	TypeID       string `json:"type_id" koanf:"id"`
	Code         string `json:"code" koanf:"code"`
	Name         string `json:"name" koanf:"name"`
	DepartmentID string `json:"department_id" koanf:"department_id"`
	Active       bool   `json:"active" koanf:"active"`
}

type CaseRole struct {
	RoleID string `json:"role_id" koanf:"id"`
	Name   string `json:"name" koanf:"name"`
	Active bool   `json:"active" koanf:"active"`
}
