package expenses_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/bursary/internal/expenses"
)

type fakeRepo struct {
	types   []expenses.ExpenseType
	items   []expenses.Expense
	totals  []expenses.DailyTotal
	deleted []int64
	lastF   expenses.Filter
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{types: []expenses.ExpenseType{{ID: 1, Name: "Supplies"}, {ID: 2, Name: "Utilities"}}}
}

func (f *fakeRepo) typeName(id int64) (string, bool) {
	for _, t := range f.types {
		if t.ID == id {
			return t.Name, true
		}
	}
	return "", false
}

func (f *fakeRepo) ListTypes(ctx context.Context) ([]expenses.ExpenseType, error) {
	return f.types, nil
}

func (f *fakeRepo) List(ctx context.Context, filter expenses.Filter, limit, offset int) ([]expenses.Expense, int, error) {
	f.lastF = filter
	var matched []expenses.Expense
	for _, e := range f.items {
		if filter.TypeID != 0 && e.ExpenseTypeID != filter.TypeID {
			continue
		}
		if filter.Search != "" && !strings.Contains(strings.ToLower(e.Description), strings.ToLower(filter.Search)) {
			continue
		}
		matched = append(matched, e)
	}
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	return matched[offset:min(offset+limit, total)], total, nil
}

func (f *fakeRepo) Get(ctx context.Context, id int64) (expenses.Expense, error) {
	for _, e := range f.items {
		if e.ID == id {
			return e, nil
		}
	}
	return expenses.Expense{}, expenses.ErrExpenseNotFound
}

func (f *fakeRepo) Create(ctx context.Context, in expenses.Input) (expenses.Expense, error) {
	name, ok := f.typeName(in.ExpenseTypeID)
	if !ok {
		return expenses.Expense{}, expenses.ErrTypeNotFound
	}
	e := expenses.Expense{
		ID: int64(len(f.items) + 1), ExpenseTypeID: in.ExpenseTypeID, ExpenseTypeName: name,
		ExpenseDate: in.ExpenseDate, Amount: in.Amount, ReceiptNumber: in.ReceiptNumber,
		Description: in.Description, RecordedBy: in.ActorID,
	}
	f.items = append(f.items, e)
	return e, nil
}

func (f *fakeRepo) Update(ctx context.Context, id int64, in expenses.Input) (expenses.Expense, error) {
	name, ok := f.typeName(in.ExpenseTypeID)
	if !ok {
		return expenses.Expense{}, expenses.ErrTypeNotFound
	}
	for i := range f.items {
		if f.items[i].ID == id {
			f.items[i].ExpenseTypeID, f.items[i].ExpenseTypeName = in.ExpenseTypeID, name
			f.items[i].Amount = in.Amount
			f.items[i].Description = in.Description
			return f.items[i], nil
		}
	}
	return expenses.Expense{}, expenses.ErrExpenseNotFound
}

func (f *fakeRepo) Delete(ctx context.Context, id int64, actorID string) error {
	for i := range f.items {
		if f.items[i].ID == id {
			f.items = append(f.items[:i], f.items[i+1:]...)
			f.deleted = append(f.deleted, id)
			return nil
		}
	}
	return expenses.ErrExpenseNotFound
}

func (f *fakeRepo) DailyTotals(ctx context.Context, from, to time.Time) ([]expenses.DailyTotal, error) {
	return f.totals, nil
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func input() expenses.Input {
	return expenses.Input{ExpenseTypeID: 1, ExpenseDate: day(2024, 3, 4), Amount: 80, ReceiptNumber: " INV-9 ", Description: " chalk "}
}

func TestCreateExpense(t *testing.T) {
	repo := newFakeRepo()
	svc := expenses.NewService(repo, nil)
	ctx := context.Background()

	e, err := svc.Create(ctx, input())
	require.NoError(t, err)
	require.Equal(t, "Supplies", e.ExpenseTypeName)
	require.Equal(t, "INV-9", e.ReceiptNumber)
	require.Equal(t, "chalk", e.Description)

	in := input()
	in.Amount = 0
	var verr *expenses.ValidationError
	_, err = svc.Create(ctx, in)
	require.ErrorAs(t, err, &verr)

	in = input()
	in.ExpenseTypeID = 9
	_, err = svc.Create(ctx, in)
	require.ErrorIs(t, err, expenses.ErrTypeNotFound)
}

func TestUpdateAndDeleteExpense(t *testing.T) {
	repo := newFakeRepo()
	svc := expenses.NewService(repo, nil)
	ctx := context.Background()
	e, err := svc.Create(ctx, input())
	require.NoError(t, err)

	in := input()
	in.ExpenseTypeID = 2
	in.Amount = 120
	updated, err := svc.Update(ctx, e.ID, in)
	require.NoError(t, err)
	require.Equal(t, "Utilities", updated.ExpenseTypeName)
	require.InDelta(t, 120.0, updated.Amount, 0.001)

	_, err = svc.Update(ctx, 42, in)
	require.ErrorIs(t, err, expenses.ErrExpenseNotFound)

	require.NoError(t, svc.Delete(ctx, e.ID, "u-1"))
	require.ErrorIs(t, svc.Delete(ctx, e.ID, "u-1"), expenses.ErrExpenseNotFound)
	require.Equal(t, []int64{e.ID}, repo.deleted)
}

func TestListRejectsInvertedRange(t *testing.T) {
	repo := newFakeRepo()
	svc := expenses.NewService(repo, nil)

	var verr *expenses.ValidationError
	_, _, err := svc.List(context.Background(), expenses.Filter{From: day(2024, 4, 1), To: day(2024, 3, 1)}, 1, 20)
	require.ErrorAs(t, err, &verr)
	require.ErrorIs(t, err, expenses.ErrInvalidRange)

	_, p, err := svc.List(context.Background(), expenses.Filter{TypeID: 2}, 1, 20)
	require.NoError(t, err)
	require.Equal(t, 0, p.Total)
	require.Equal(t, int64(2), repo.lastF.TypeID)
}

func TestSummarizeGroupsByTypeAndPeriod(t *testing.T) {
	repo := newFakeRepo()
	repo.totals = []expenses.DailyTotal{
		{Date: day(2024, 1, 15), TypeName: "Supplies", Amount: 100},
		{Date: day(2024, 2, 2), TypeName: "Utilities", Amount: 250},
		{Date: day(2024, 2, 20), TypeName: "Supplies", Amount: 50},
		{Date: day(2024, 4, 1), TypeName: "Utilities", Amount: 40},
	}
	svc := expenses.NewService(repo, nil)
	ctx := context.Background()

	monthly, err := svc.Summarize(ctx, expenses.Filter{}, "")
	require.NoError(t, err)
	require.Equal(t, expenses.PeriodMonthly, monthly.Period)
	require.InDelta(t, 440.0, monthly.Total, 0.001)
	require.Equal(t, []expenses.Bucket{{Label: "Utilities", Total: 290}, {Label: "Supplies", Total: 150}}, monthly.ByType)
	require.Equal(t, []expenses.Bucket{
		{Label: "Jan 2024", Total: 100},
		{Label: "Feb 2024", Total: 300},
		{Label: "Apr 2024", Total: 40},
	}, monthly.ByPeriod)

	quarterly, err := svc.Summarize(ctx, expenses.Filter{}, expenses.PeriodQuarterly)
	require.NoError(t, err)
	require.Equal(t, []expenses.Bucket{{Label: "Q1 2024", Total: 400}, {Label: "Q2 2024", Total: 40}}, quarterly.ByPeriod)

	yearly, err := svc.Summarize(ctx, expenses.Filter{}, expenses.PeriodYearly)
	require.NoError(t, err)
	require.Equal(t, []expenses.Bucket{{Label: "2024", Total: 440}}, yearly.ByPeriod)

	var verr *expenses.ValidationError
	_, err = svc.Summarize(ctx, expenses.Filter{}, "weekly")
	require.ErrorAs(t, err, &verr)
}

func TestSummarizeWithoutExpenses(t *testing.T) {
	sum, err := expenses.NewService(newFakeRepo(), nil).Summarize(context.Background(), expenses.Filter{}, expenses.PeriodMonthly)
	require.NoError(t, err)
	require.Zero(t, sum.Total)
	require.NotNil(t, sum.ByType)
	require.NotNil(t, sum.ByPeriod)
}
