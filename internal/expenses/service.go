package expenses

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/bursary/internal/shared"
)

var errUnknownPeriod = errors.New("period must be monthly, quarterly or yearly")

// ValidationError wraps input validation failures.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "expenses: invalid input: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Service handles expense business logic.
type Service struct {
	repo     RepositoryPort
	validate *validator.Validate
	logger   *slog.Logger
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, validate: validator.New(), logger: logger}
}

// Types lists expense types.
func (s *Service) Types(ctx context.Context) ([]ExpenseType, error) {
	return s.repo.ListTypes(ctx)
}

// List pages through expenses matching the filter.
func (s *Service) List(ctx context.Context, f Filter, page, perPage int) ([]Expense, shared.Pagination, error) {
	if !f.From.IsZero() && !f.To.IsZero() && f.From.After(f.To) {
		return nil, shared.Pagination{}, &ValidationError{Err: ErrInvalidRange}
	}
	p := shared.NewPagination(page, perPage, 0)
	items, total, err := s.repo.List(ctx, f, p.PerPage, p.Offset())
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return items, shared.NewPagination(p.Page, p.PerPage, total), nil
}

// Get loads one expense.
func (s *Service) Get(ctx context.Context, id int64) (Expense, error) {
	return s.repo.Get(ctx, id)
}

// Create records an expense.
func (s *Service) Create(ctx context.Context, in Input) (Expense, error) {
	in.normalize()
	if err := s.validate.Struct(in); err != nil {
		return Expense{}, &ValidationError{Err: err}
	}
	e, err := s.repo.Create(ctx, in)
	if err != nil {
		return Expense{}, err
	}
	s.logger.Info("expense recorded", slog.Int64("id", e.ID), slog.Float64("amount", e.Amount), slog.String("actor", in.ActorID))
	return e, nil
}

// Update replaces an expense.
func (s *Service) Update(ctx context.Context, id int64, in Input) (Expense, error) {
	in.normalize()
	if err := s.validate.Struct(in); err != nil {
		return Expense{}, &ValidationError{Err: err}
	}
	return s.repo.Update(ctx, id, in)
}

// Delete removes an expense.
func (s *Service) Delete(ctx context.Context, id int64, actorID string) error {
	if err := s.repo.Delete(ctx, id, actorID); err != nil {
		return err
	}
	s.logger.Info("expense deleted", slog.Int64("id", id), slog.String("actor", actorID))
	return nil
}

// Summarize totals spending by type, largest first, and by period in
// chronological order.
func (s *Service) Summarize(ctx context.Context, f Filter, period Period) (Summary, error) {
	switch period {
	case PeriodMonthly, PeriodQuarterly, PeriodYearly:
	case "":
		period = PeriodMonthly
	default:
		return Summary{}, &ValidationError{Err: errUnknownPeriod}
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.From.After(f.To) {
		return Summary{}, &ValidationError{Err: ErrInvalidRange}
	}
	rows, err := s.repo.DailyTotals(ctx, f.From, f.To)
	if err != nil {
		return Summary{}, err
	}
	return summarize(rows, period), nil
}

func summarize(rows []DailyTotal, period Period) Summary {
	byType := map[string]float64{}
	byPeriod := map[int64]float64{}
	out := Summary{Period: period, ByType: []Bucket{}, ByPeriod: []Bucket{}}
	for _, row := range rows {
		out.Total += row.Amount
		byType[row.TypeName] += row.Amount
		byPeriod[periodStart(row.Date, period).Unix()] += row.Amount
	}

	for name, total := range byType {
		out.ByType = append(out.ByType, Bucket{Label: name, Total: total})
	}
	sort.Slice(out.ByType, func(i, j int) bool {
		if out.ByType[i].Total != out.ByType[j].Total {
			return out.ByType[i].Total > out.ByType[j].Total
		}
		return out.ByType[i].Label < out.ByType[j].Label
	})

	starts := make([]int64, 0, len(byPeriod))
	for start := range byPeriod {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	for _, start := range starts {
		label := periodLabel(time.Unix(start, 0).UTC(), period)
		out.ByPeriod = append(out.ByPeriod, Bucket{Label: label, Total: byPeriod[start]})
	}
	return out
}
