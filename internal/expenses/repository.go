package expenses

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/bursary/internal/platform/db"
	"github.com/odyssey-erp/bursary/internal/shared"
)

// RepositoryPort defines data access methods for expenses.
type RepositoryPort interface {
	ListTypes(ctx context.Context) ([]ExpenseType, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]Expense, int, error)
	Get(ctx context.Context, id int64) (Expense, error)
	Create(ctx context.Context, in Input) (Expense, error)
	Update(ctx context.Context, id int64, in Input) (Expense, error)
	Delete(ctx context.Context, id int64, actorID string) error
	DailyTotals(ctx context.Context, from, to time.Time) ([]DailyTotal, error)
}

// Repository provides PostgreSQL backed persistence for expenses.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListTypes returns expense types ordered by name.
func (r *Repository) ListTypes(ctx context.Context) ([]ExpenseType, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name FROM expense_types ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[ExpenseType])
}

const expenseSelect = `SELECT e.id, e.expense_type_id, t.name, e.expense_date, e.amount::float8,
	e.receipt_number, e.description, COALESCE(e.recorded_by::text, ''), e.created_at, e.updated_at
FROM expenses e
JOIN expense_types t ON t.id = e.expense_type_id`

const expenseFilter = `
WHERE ($1::bigint = 0 OR e.expense_type_id = $1)
  AND ($2::date IS NULL OR e.expense_date >= $2)
  AND ($3::date IS NULL OR e.expense_date <= $3)
  AND ($4 = '' OR e.description ILIKE '%' || $4 || '%' OR e.receipt_number ILIKE '%' || $4 || '%' OR t.name ILIKE '%' || $4 || '%')`

func scanExpense(row pgx.CollectableRow) (Expense, error) {
	var e Expense
	err := row.Scan(&e.ID, &e.ExpenseTypeID, &e.ExpenseTypeName, &e.ExpenseDate, &e.Amount,
		&e.ReceiptNumber, &e.Description, &e.RecordedBy, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

// pgDate maps the zero time to SQL NULL.
func pgDate(t time.Time) pgtype.Date {
	return pgtype.Date{Time: t, Valid: !t.IsZero()}
}

// List pages through expenses, newest first.
func (r *Repository) List(ctx context.Context, f Filter, limit, offset int) ([]Expense, int, error) {
	args := []any{f.TypeID, pgDate(f.From), pgDate(f.To), f.Search}

	var total int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM expenses e JOIN expense_types t ON t.id = e.expense_type_id`+expenseFilter, args...).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, expenseSelect+expenseFilter+`
ORDER BY e.expense_date DESC, e.id DESC
LIMIT $5 OFFSET $6`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	items, err := pgx.CollectRows(rows, scanExpense)
	return items, total, err
}

// Get loads one expense.
func (r *Repository) Get(ctx context.Context, id int64) (Expense, error) {
	rows, err := r.pool.Query(ctx, expenseSelect+` WHERE e.id = $1`, id)
	if err != nil {
		return Expense{}, err
	}
	e, err := pgx.CollectExactlyOneRow(rows, scanExpense)
	if errors.Is(err, pgx.ErrNoRows) {
		return Expense{}, ErrExpenseNotFound
	}
	return e, err
}

func recordedBy(actorID string) pgtype.Text {
	return pgtype.Text{String: actorID, Valid: actorID != ""}
}

// Create inserts an expense with its audit entry.
func (r *Repository) Create(ctx context.Context, in Input) (Expense, error) {
	var id int64
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `INSERT INTO expenses (expense_type_id, expense_date, amount, receipt_number, description, recorded_by)
VALUES ($1, $2, $3, $4, $5, $6::uuid)
RETURNING id`,
			in.ExpenseTypeID, pgDate(in.ExpenseDate), in.Amount, in.ReceiptNumber, in.Description, recordedBy(in.ActorID),
		).Scan(&id)
		if err != nil {
			return mapConstraint(err)
		}
		return shared.RecordAudit(ctx, tx, audit(in.ActorID, "expense.create", id, in))
	})
	if err != nil {
		return Expense{}, err
	}
	return r.Get(ctx, id)
}

// Update replaces an expense's fields.
func (r *Repository) Update(ctx context.Context, id int64, in Input) (Expense, error) {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE expenses SET
	expense_type_id = $2, expense_date = $3, amount = $4, receipt_number = $5, description = $6, updated_at = NOW()
WHERE id = $1`,
			id, in.ExpenseTypeID, pgDate(in.ExpenseDate), in.Amount, in.ReceiptNumber, in.Description,
		)
		if err != nil {
			return mapConstraint(err)
		}
		if tag.RowsAffected() == 0 {
			return ErrExpenseNotFound
		}
		return shared.RecordAudit(ctx, tx, audit(in.ActorID, "expense.update", id, in))
	})
	if err != nil {
		return Expense{}, err
	}
	return r.Get(ctx, id)
}

// Delete removes an expense and records who removed it.
func (r *Repository) Delete(ctx context.Context, id int64, actorID string) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var amount float64
		err := tx.QueryRow(ctx, `DELETE FROM expenses WHERE id = $1 RETURNING amount::float8`, id).Scan(&amount)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrExpenseNotFound
		}
		if err != nil {
			return fmt.Errorf("expenses: delete: %w", err)
		}
		return shared.RecordAudit(ctx, tx, shared.AuditLog{
			ActorID:  actorID,
			Action:   "expense.delete",
			Entity:   "expense",
			EntityID: strconv.FormatInt(id, 10),
			Meta:     map[string]any{"amount": amount},
		})
	})
}

// DailyTotals sums spending per day and type within an optional date range.
func (r *Repository) DailyTotals(ctx context.Context, from, to time.Time) ([]DailyTotal, error) {
	rows, err := r.pool.Query(ctx, `SELECT e.expense_date, t.name, SUM(e.amount)::float8
FROM expenses e
JOIN expense_types t ON t.id = e.expense_type_id
WHERE ($1::date IS NULL OR e.expense_date >= $1)
  AND ($2::date IS NULL OR e.expense_date <= $2)
GROUP BY e.expense_date, t.name
ORDER BY e.expense_date, t.name`, pgDate(from), pgDate(to))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[DailyTotal])
}

func audit(actorID, action string, id int64, in Input) shared.AuditLog {
	return shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "expense",
		EntityID: strconv.FormatInt(id, 10),
		Meta: map[string]any{
			"expense_type_id": in.ExpenseTypeID,
			"amount":          in.Amount,
			"receipt":         in.ReceiptNumber,
		},
	}
}

func mapConstraint(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return ErrTypeNotFound
	}
	return fmt.Errorf("expenses: write: %w", err)
}
