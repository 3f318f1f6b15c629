// Package billing records fee schedules and payments for students, one
// student at a time, through the bulk helper.
package billing

import (
	"errors"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	// ErrStudentNotFound marks a selected student that does not exist or is inactive.
	ErrStudentNotFound = errors.New("billing: student not found")
	// ErrFeeTypeNotFound marks an unknown fee type.
	ErrFeeTypeNotFound = errors.New("billing: fee type not found")
	// ErrNoTargets indicates a batch that resolved to no students.
	ErrNoTargets = errors.New("billing: no students selected")
	// ErrPaymentNotFound marks an unknown payment.
	ErrPaymentNotFound = errors.New("billing: payment not found")
	// ErrAdmissionTaken marks an admission number already registered.
	ErrAdmissionTaken = errors.New("billing: admission number already registered")
	// ErrReceiptTaken marks a receipt number already issued to another payment.
	ErrReceiptTaken = errors.New("billing: receipt number taken")
	// ErrNothingToUpdate indicates an update without fields.
	ErrNothingToUpdate = errors.New("billing: nothing to update")
)

// PaymentMethod enumerates accepted tender types.
type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodMobileMoney  PaymentMethod = "mobile_money"
	MethodCheque       PaymentMethod = "cheque"
	MethodCard         PaymentMethod = "card"
)

// PaymentStatus enumerates payment states.
type PaymentStatus string

const (
	PaymentCompleted PaymentStatus = "completed"
	PaymentPending   PaymentStatus = "pending"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
)

// Label renders the status for display, e.g. "Completed".
func (s PaymentStatus) Label() string {
	if s == "" {
		return ""
	}
	return titleCase(string(s))
}

// FeeState is the stored state of a fee.
type FeeState string

const (
	FeeUnpaid FeeState = "unpaid"
	FeePaid   FeeState = "paid"
)

// TargetGroup selects which students a fee schedule applies to.
type TargetGroup string

const (
	GroupAll    TargetGroup = "all"
	GroupClass  TargetGroup = "class"
	GroupCustom TargetGroup = "custom"
)

// titleCase builds a caser per call; a cases.Caser keeps state and must
// not be shared between goroutines.
func titleCase(s string) string {
	return cases.Title(language.English).String(strings.TrimSpace(strings.ToLower(s)))
}

// Student is a fee-paying learner.
type Student struct {
	ID            string    `json:"id"`
	AdmissionNo   string    `json:"admission_no"`
	FirstName     string    `json:"first_name"`
	LastName      string    `json:"last_name"`
	Class         string    `json:"class"`
	GuardianName  string    `json:"guardian_name"`
	ContactNumber string    `json:"contact_number"`
	Email         string    `json:"email,omitempty"`
	Address       string    `json:"address,omitempty"`
	AdmissionDate time.Time `json:"admission_date"`
	Active        bool      `json:"active"`
}

// FullName renders "First Last" in title case.
func (s Student) FullName() string {
	return titleCase(s.FirstName + " " + s.LastName)
}

// StudentInput registers a student.
type StudentInput struct {
	AdmissionNo   string    `json:"admission_no" validate:"required,max=32"`
	FirstName     string    `json:"first_name" validate:"required,max=80"`
	LastName      string    `json:"last_name" validate:"required,max=80"`
	Class         string    `json:"class" validate:"required,max=32"`
	GuardianName  string    `json:"guardian_name" validate:"required,max=120"`
	ContactNumber string    `json:"contact_number" validate:"required,max=32"`
	Email         string    `json:"email,omitempty" validate:"omitempty,email,max=254"`
	Address       string    `json:"address,omitempty" validate:"max=500"`
	AdmissionDate time.Time `json:"admission_date" validate:"required"`
	ActorID       string    `json:"-"`
}

func (in *StudentInput) normalize() {
	in.AdmissionNo = strings.ToUpper(strings.TrimSpace(in.AdmissionNo))
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	in.Class = strings.TrimSpace(in.Class)
	in.GuardianName = strings.TrimSpace(in.GuardianName)
	in.ContactNumber = strings.TrimSpace(in.ContactNumber)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Address = strings.TrimSpace(in.Address)
}

// StudentUpdate changes the provided fields only.
type StudentUpdate struct {
	FirstName     *string `json:"first_name,omitempty" validate:"omitempty,min=1,max=80"`
	LastName      *string `json:"last_name,omitempty" validate:"omitempty,min=1,max=80"`
	Class         *string `json:"class,omitempty" validate:"omitempty,min=1,max=32"`
	GuardianName  *string `json:"guardian_name,omitempty" validate:"omitempty,min=1,max=120"`
	ContactNumber *string `json:"contact_number,omitempty" validate:"omitempty,min=1,max=32"`
	Email         *string `json:"email,omitempty" validate:"omitempty,email,max=254"`
	Address       *string `json:"address,omitempty" validate:"omitempty,max=500"`
	Active        *bool   `json:"active,omitempty"`
	ActorID       string  `json:"-"`
}

func (in StudentUpdate) empty() bool {
	return in.FirstName == nil && in.LastName == nil && in.Class == nil && in.GuardianName == nil &&
		in.ContactNumber == nil && in.Email == nil && in.Address == nil && in.Active == nil
}

// FeeLine is a fee as shown on a student's account. Display is Paid,
// Overdue or Pending.
type FeeLine struct {
	Fee
	FeeTypeName string `json:"fee_type_name"`
	Display     string `json:"display_status"`
	OverdueDays int    `json:"overdue_days"`
}

// StudentAccount is a student with their fees and payments. Balance is
// the sum of unpaid fees.
type StudentAccount struct {
	Student  Student   `json:"student"`
	Fees     []FeeLine `json:"fees"`
	Payments []Payment `json:"payments"`
	Balance  float64   `json:"balance"`
}

// FeeType is a catalogue entry with a default amount.
type FeeType struct {
	ID     int64   `json:"id"`
	Name   string  `json:"name"`
	Amount float64 `json:"amount"`
}

// Fee is an amount owed by one student.
type Fee struct {
	ID        int64     `json:"id"`
	StudentID string    `json:"student_id"`
	FeeTypeID int64     `json:"fee_type_id"`
	DueDate   time.Time `json:"due_date"`
	Amount    float64   `json:"amount"`
	Status    FeeState  `json:"status"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Payment is money received from one student.
type Payment struct {
	ID            int64         `json:"id"`
	StudentID     string        `json:"student_id"`
	FeeID         *int64        `json:"fee_id,omitempty"`
	PaymentDate   time.Time     `json:"payment_date"`
	Amount        float64       `json:"amount"`
	Method        PaymentMethod `json:"payment_method"`
	ReceiptNumber string        `json:"receipt_number"`
	Status        PaymentStatus `json:"status"`
	Notes         string        `json:"notes,omitempty"`
	ProcessedBy   string        `json:"processed_by,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	StudentName   string        `json:"student_name,omitempty"`
	AdmissionNo   string        `json:"admission_no,omitempty"`
}

// PaymentRequest records one payment outside a batch.
type PaymentRequest struct {
	StudentID   string        `json:"student_id" validate:"required,uuid"`
	FeeTypeID   *int64        `json:"fee_type_id,omitempty" validate:"omitempty,gt=0"`
	PaymentDate time.Time     `json:"payment_date" validate:"required"`
	Amount      float64       `json:"amount" validate:"gt=0"`
	Method      PaymentMethod `json:"payment_method" validate:"required,oneof=cash bank_transfer mobile_money cheque card"`
	Notes       string        `json:"notes,omitempty" validate:"max=500"`
	ProcessedBy string        `json:"-"`
}

// BulkPaymentInput describes one payment per selected student.
type BulkPaymentInput struct {
	StudentIDs  []string      `json:"student_ids" validate:"required,min=1,dive,uuid"`
	FeeTypeID   *int64        `json:"fee_type_id,omitempty" validate:"omitempty,gt=0"`
	PaymentDate time.Time     `json:"payment_date" validate:"required"`
	Amount      float64       `json:"amount" validate:"gt=0"`
	Method      PaymentMethod `json:"payment_method" validate:"required,oneof=cash bank_transfer mobile_money cheque card"`
	Notes       string        `json:"notes,omitempty" validate:"max=500"`
	ProcessedBy string        `json:"-"`
	// IdempotencyKey deduplicates resubmitted batches.
	IdempotencyKey string `json:"-"`
}

// ScheduleFeesInput describes one unpaid fee per student in the group.
type ScheduleFeesInput struct {
	FeeTypeID  int64       `json:"fee_type_id" validate:"required,gt=0"`
	DueDate    time.Time   `json:"due_date" validate:"required"`
	Amount     float64     `json:"amount" validate:"gt=0"`
	Group      TargetGroup `json:"group" validate:"required,oneof=all class custom"`
	Class      string      `json:"class,omitempty" validate:"required_if=Group class"`
	StudentIDs []string    `json:"student_ids,omitempty" validate:"required_if=Group custom,dive,uuid"`
	Notes      string      `json:"notes,omitempty" validate:"max=500"`
	ActorID    string      `json:"-"`
	// IdempotencyKey deduplicates resubmitted batches.
	IdempotencyKey string `json:"-"`
}

// PaymentInput is a single payment write.
type PaymentInput struct {
	StudentID     string
	FeeTypeID     *int64
	PaymentDate   time.Time
	Amount        float64
	Method        PaymentMethod
	ReceiptNumber string
	Notes         string
	ProcessedBy   string
}

// FeeInput is a single fee write.
type FeeInput struct {
	StudentID string
	FeeTypeID int64
	DueDate   time.Time
	Amount    float64
	Notes     string
	ActorID   string
}

// ItemResult reports one student's outcome in a batch.
type ItemResult[T any] struct {
	StudentID   string `json:"student_id"`
	StudentName string `json:"student_name,omitempty"`
	Record      *T     `json:"record,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Outcome is the JSON form of a batch result.
type Outcome[T any] struct {
	Attempted int             `json:"attempted"`
	Succeeded []ItemResult[T] `json:"succeeded"`
	Failed    []ItemResult[T] `json:"failed"`
}
