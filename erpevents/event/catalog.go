// Package event defines the wire envelope and the closed catalog of event
// types exchanged between ERP services.
//
// Every event type follows the {domain}.{action} convention, e.g.
// "employee.created" or "payroll.approved". The catalog is a naming and
// versioning contract between independently deployed producers and
// consumers: a type outside it is a deployment error, not a runtime feature.
package event

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Type is a catalogued event type string in {domain}.{action} form.
type Type string

// User domain.
const (
	UserCreated     Type = "user.created"
	UserUpdated     Type = "user.updated"
	UserDeleted     Type = "user.deleted"
	UserRoleChanged Type = "user.role.changed"
)

// Employee domain.
const (
	EmployeeCreated           Type = "employee.created"
	EmployeeUpdated           Type = "employee.updated"
	EmployeeTerminated        Type = "employee.terminated"
	EmployeeDepartmentChanged Type = "employee.department.changed"
	EmployeePositionChanged   Type = "employee.position.changed"
)

// Payroll domain.
const (
	PayrollCalculated Type = "payroll.calculated"
	PayrollApproved   Type = "payroll.approved"
	PayrollPaid       Type = "payroll.paid"
	PayrollItemChanged Type = "payroll.item.changed"
)

// Budget domain.
const (
	BudgetCreated  Type = "budget.created"
	BudgetApproved Type = "budget.approved"
	BudgetExecuted Type = "budget.executed"
	BudgetExceeded Type = "budget.exceeded"
)

// Attendance domain.
const (
	AttendanceRecorded Type = "attendance.recorded"
	LeaveRequested     Type = "leave.requested"
	LeaveApproved      Type = "leave.approved"
	LeaveRejected      Type = "leave.rejected"
)

// Asset domain.
const (
	AssetRegistered Type = "asset.registered"
	AssetAssigned   Type = "asset.assigned"
	AssetReturned   Type = "asset.returned"
	AssetDisposed   Type = "asset.disposed"
)

// Supply domain.
const (
	SupplyRequested       Type = "supply.requested"
	SupplyRequestApproved Type = "supply.request.approved"
	SupplyIssued          Type = "supply.issued"
	SupplyLowStock        Type = "supply.low.stock"
)

// Accounting domain.
const (
	VoucherCreated      Type = "voucher.created"
	VoucherApproved     Type = "voucher.approved"
	SettlementCompleted Type = "settlement.completed"
	AccountChanged      Type = "account.changed"
)

// Approval domain.
const (
	ApprovalRequested   Type = "approval.requested"
	ApprovalApproved    Type = "approval.approved"
	ApprovalRejected    Type = "approval.rejected"
	ApprovalCancelled   Type = "approval.cancelled"
	ApprovalLineChanged Type = "approval.line.changed"
)

// Notification domain.
const (
	NotificationSent Type = "notification.sent"
	NotificationRead Type = "notification.read"
	EmailSent        Type = "email.sent"
	SMSSent          Type = "sms.sent"
)

// File domain.
const (
	FileUploaded      Type = "file.uploaded"
	FileDownloaded    Type = "file.downloaded"
	FileDeleted       Type = "file.deleted"
	FileScanCompleted Type = "file.scan.completed"
)

// Report domain.
const (
	ReportGenerationRequested Type = "report.generation.requested"
	ReportGenerated           Type = "report.generated"
	ReportViewed              Type = "report.viewed"
	ReportScheduleCreated     Type = "report.schedule.created"
)

// General affairs domain.
const (
	FacilityReserved             Type = "facility.reserved"
	FacilityReservationCancelled Type = "facility.reservation.cancelled"
	VehicleDispatched            Type = "vehicle.dispatched"
	VehicleReturned              Type = "vehicle.returned"
	ComplaintReceived            Type = "complaint.received"
	ComplaintResolved            Type = "complaint.resolved"
)

// System and tenant domain.
const (
	TenantCreated         Type = "tenant.created"
	TenantSettingsUpdated Type = "tenant.settings.updated"
	TenantSuspended       Type = "tenant.suspended"
	TenantActivated       Type = "tenant.activated"
	SystemConfigUpdated   Type = "system.config.updated"
	CommonCodeUpdated     Type = "common.code.updated"
)

// ErrUnknownType is returned for an event type outside the catalog.
var ErrUnknownType = errors.New("event type is not in the catalog")

var typePattern = regexp.MustCompile(`^[a-z][a-z0-9]*(\.[a-z][a-z0-9]*)+$`)

var catalog = map[Type]struct{}{
	UserCreated: {}, UserUpdated: {}, UserDeleted: {}, UserRoleChanged: {},
	EmployeeCreated: {}, EmployeeUpdated: {}, EmployeeTerminated: {},
	EmployeeDepartmentChanged: {}, EmployeePositionChanged: {},
	PayrollCalculated: {}, PayrollApproved: {}, PayrollPaid: {}, PayrollItemChanged: {},
	BudgetCreated: {}, BudgetApproved: {}, BudgetExecuted: {}, BudgetExceeded: {},
	AttendanceRecorded: {}, LeaveRequested: {}, LeaveApproved: {}, LeaveRejected: {},
	AssetRegistered: {}, AssetAssigned: {}, AssetReturned: {}, AssetDisposed: {},
	SupplyRequested: {}, SupplyRequestApproved: {}, SupplyIssued: {}, SupplyLowStock: {},
	VoucherCreated: {}, VoucherApproved: {}, SettlementCompleted: {}, AccountChanged: {},
	ApprovalRequested: {}, ApprovalApproved: {}, ApprovalRejected: {},
	ApprovalCancelled: {}, ApprovalLineChanged: {},
	NotificationSent: {}, NotificationRead: {}, EmailSent: {}, SMSSent: {},
	FileUploaded: {}, FileDownloaded: {}, FileDeleted: {}, FileScanCompleted: {},
	ReportGenerationRequested: {}, ReportGenerated: {}, ReportViewed: {}, ReportScheduleCreated: {},
	FacilityReserved: {}, FacilityReservationCancelled: {}, VehicleDispatched: {},
	VehicleReturned: {}, ComplaintReceived: {}, ComplaintResolved: {},
	TenantCreated: {}, TenantSettingsUpdated: {}, TenantSuspended: {}, TenantActivated: {},
	SystemConfigUpdated: {}, CommonCodeUpdated: {},
}

// String returns the wire form of the type.
func (t Type) String() string {
	return string(t)
}

// IsValid reports whether the type belongs to the catalog.
func (t Type) IsValid() bool {
	_, ok := catalog[t]

	return ok
}

// Domain returns the {domain} segment of the type.
func (t Type) Domain() string {
	raw := string(t)

	if idx := strings.Index(raw, "."); idx > 0 {
		return raw[:idx]
	}

	return raw
}

// ParseType validates raw against the naming convention and the catalog.
func ParseType(raw string) (Type, error) {
	raw = strings.TrimSpace(raw)

	if !typePattern.MatchString(raw) {
		return "", fmt.Errorf("%w: %q is not in domain.action form", ErrUnknownType, raw)
	}

	t := Type(raw)
	if !t.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, raw)
	}

	return t, nil
}
