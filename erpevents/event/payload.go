package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoPayloadSchema is returned when a catalogued type has no typed payload
// registered. Consumers may still read the raw data document.
var ErrNoPayloadSchema = errors.New("event type has no typed payload schema")

// ErrTenantIDMissing is returned when a payload omits the tenant identifier.
var ErrTenantIDMissing = errors.New("payload tenant id is required")

// Payload is one member of the closed payload union. Each payload knows its
// event type and the tenant the event belongs to, which gives producers and
// consumers a compile-time shape contract instead of opaque dictionaries.
type Payload interface {
	Type() Type
	Tenant() string
}

// EmployeeCreatedPayload announces a new employee master record.
type EmployeeCreatedPayload struct {
	TenantID     string `json:"tenantId"`
	EmployeeID   int64  `json:"employeeId"`
	Name         string `json:"name"`
	DepartmentID int64  `json:"departmentId,omitempty"`
	HiredAt      string `json:"hiredAt,omitempty"`
}

func (p EmployeeCreatedPayload) Type() Type     { return EmployeeCreated }
func (p EmployeeCreatedPayload) Tenant() string { return p.TenantID }

// EmployeeUpdatedPayload announces a change to an employee master record.
type EmployeeUpdatedPayload struct {
	TenantID   string   `json:"tenantId"`
	EmployeeID int64    `json:"employeeId"`
	Changed    []string `json:"changed,omitempty"`
}

func (p EmployeeUpdatedPayload) Type() Type     { return EmployeeUpdated }
func (p EmployeeUpdatedPayload) Tenant() string { return p.TenantID }

// EmployeeTerminatedPayload announces an employment end.
type EmployeeTerminatedPayload struct {
	TenantID     string `json:"tenantId"`
	EmployeeID   int64  `json:"employeeId"`
	TerminatedAt string `json:"terminatedAt"`
}

func (p EmployeeTerminatedPayload) Type() Type     { return EmployeeTerminated }
func (p EmployeeTerminatedPayload) Tenant() string { return p.TenantID }

// PayrollCalculatedPayload announces a completed payroll run for one period.
type PayrollCalculatedPayload struct {
	TenantID    string `json:"tenantId"`
	PayrollID   int64  `json:"payrollId"`
	Period      string `json:"period"`
	GrossAmount string `json:"grossAmount"`
}

func (p PayrollCalculatedPayload) Type() Type     { return PayrollCalculated }
func (p PayrollCalculatedPayload) Tenant() string { return p.TenantID }

// PayrollApprovedPayload announces payroll approval.
type PayrollApprovedPayload struct {
	TenantID   string `json:"tenantId"`
	PayrollID  int64  `json:"payrollId"`
	ApproverID int64  `json:"approverId"`
}

func (p PayrollApprovedPayload) Type() Type     { return PayrollApproved }
func (p PayrollApprovedPayload) Tenant() string { return p.TenantID }

// BudgetExceededPayload warns that spending crossed a budget line.
type BudgetExceededPayload struct {
	TenantID     string `json:"tenantId"`
	BudgetID     int64  `json:"budgetId"`
	LimitAmount  string `json:"limitAmount"`
	ActualAmount string `json:"actualAmount"`
}

func (p BudgetExceededPayload) Type() Type     { return BudgetExceeded }
func (p BudgetExceededPayload) Tenant() string { return p.TenantID }

// ApprovalRequestedPayload routes a document into an approval line.
type ApprovalRequestedPayload struct {
	TenantID    string `json:"tenantId"`
	DocumentID  int64  `json:"documentId"`
	RequesterID int64  `json:"requesterId"`
	LineID      int64  `json:"lineId,omitempty"`
}

func (p ApprovalRequestedPayload) Type() Type     { return ApprovalRequested }
func (p ApprovalRequestedPayload) Tenant() string { return p.TenantID }

// TenantCreatedPayload announces tenant provisioning.
type TenantCreatedPayload struct {
	TenantID string `json:"tenantId"`
	Name     string `json:"name"`
	Plan     string `json:"plan,omitempty"`
}

func (p TenantCreatedPayload) Type() Type     { return TenantCreated }
func (p TenantCreatedPayload) Tenant() string { return p.TenantID }

var payloadFactories = map[Type]func() Payload{
	EmployeeCreated:    func() Payload { return &EmployeeCreatedPayload{} },
	EmployeeUpdated:    func() Payload { return &EmployeeUpdatedPayload{} },
	EmployeeTerminated: func() Payload { return &EmployeeTerminatedPayload{} },
	PayrollCalculated:  func() Payload { return &PayrollCalculatedPayload{} },
	PayrollApproved:    func() Payload { return &PayrollApprovedPayload{} },
	BudgetExceeded:     func() Payload { return &BudgetExceededPayload{} },
	ApprovalRequested:  func() Payload { return &ApprovalRequestedPayload{} },
	TenantCreated:      func() Payload { return &TenantCreatedPayload{} },
}

// Marshal serializes a payload after checking the tenant contract.
func Marshal(payload Payload) ([]byte, error) {
	if payload == nil {
		return nil, ErrDataRequired
	}

	if payload.Tenant() == "" {
		return nil, fmt.Errorf("%w: %s", ErrTenantIDMissing, payload.Type())
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", payload.Type(), err)
	}

	return body, nil
}

// Decode parses raw into the typed payload registered for eventType.
func Decode(eventType Type, raw []byte) (Payload, error) {
	if !eventType.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, eventType)
	}

	factory, ok := payloadFactories[eventType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPayloadSchema, eventType)
	}

	payload := factory()

	if err := json.Unmarshal(raw, payload); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", eventType, err)
	}

	if payload.Tenant() == "" {
		return nil, fmt.Errorf("%w: %s", ErrTenantIDMissing, eventType)
	}

	return payload, nil
}
