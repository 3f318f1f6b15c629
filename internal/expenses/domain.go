// Package expenses records money the school spends, by expense type.
package expenses

import (
	"errors"
	"strings"
	"time"
)

var (
	// ErrExpenseNotFound marks an unknown expense.
	ErrExpenseNotFound = errors.New("expenses: expense not found")
	// ErrTypeNotFound marks an unknown expense type.
	ErrTypeNotFound = errors.New("expenses: expense type not found")
	// ErrInvalidRange indicates a filter whose start is after its end.
	ErrInvalidRange = errors.New("expenses: from is after to")
)

// ExpenseType categorises spending.
type ExpenseType struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Expense is one recorded outgoing.
type Expense struct {
	ID              int64     `json:"id"`
	ExpenseTypeID   int64     `json:"expense_type_id"`
	ExpenseTypeName string    `json:"expense_type_name"`
	ExpenseDate     time.Time `json:"expense_date"`
	Amount          float64   `json:"amount"`
	ReceiptNumber   string    `json:"receipt_number,omitempty"`
	Description     string    `json:"description,omitempty"`
	RecordedBy      string    `json:"recorded_by,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Input creates or replaces an expense.
type Input struct {
	ExpenseTypeID int64     `json:"expense_type_id" validate:"required,gt=0"`
	ExpenseDate   time.Time `json:"expense_date" validate:"required"`
	Amount        float64   `json:"amount" validate:"gt=0"`
	ReceiptNumber string    `json:"receipt_number,omitempty" validate:"max=64"`
	Description   string    `json:"description,omitempty" validate:"max=1000"`
	ActorID       string    `json:"-"`
}

func (in *Input) normalize() {
	in.ReceiptNumber = strings.TrimSpace(in.ReceiptNumber)
	in.Description = strings.TrimSpace(in.Description)
}

// Filter narrows expense listings. Zero values match everything.
type Filter struct {
	TypeID int64
	From   time.Time
	To     time.Time
	// Search matches description, receipt number or type name.
	Search string
}

// Period groups summary totals.
type Period string

const (
	PeriodMonthly   Period = "monthly"
	PeriodQuarterly Period = "quarterly"
	PeriodYearly    Period = "yearly"
)

// DailyTotal is the amount spent on one type on one day.
type DailyTotal struct {
	Date     time.Time
	TypeName string
	Amount   float64
}

// Bucket is a labelled total.
type Bucket struct {
	Label string  `json:"label"`
	Total float64 `json:"total"`
}

// Summary totals spending by type and by period.
type Summary struct {
	Period   Period   `json:"period"`
	Total    float64  `json:"total"`
	ByType   []Bucket `json:"by_type"`
	ByPeriod []Bucket `json:"by_period"`
}

// periodStart truncates t to the start of its period.
func periodStart(t time.Time, p Period) time.Time {
	y, m, _ := t.Date()
	switch p {
	case PeriodYearly:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC)
	case PeriodQuarterly:
		q := (int(m) - 1) / 3
		return time.Date(y, time.Month(q*3+1), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	}
}

// periodLabel renders "Mar 2024", "Q1 2024" or "2024".
func periodLabel(start time.Time, p Period) string {
	switch p {
	case PeriodYearly:
		return start.Format("2006")
	case PeriodQuarterly:
		return "Q" + string(rune('1'+(int(start.Month())-1)/3)) + " " + start.Format("2006")
	default:
		return start.Format("Jan 2006")
	}
}
