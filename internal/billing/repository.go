package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/bursary/internal/platform/db"
	"github.com/odyssey-erp/bursary/internal/shared"
)

// RepositoryPort defines data access methods for billing.
type RepositoryPort interface {
	ListFeeTypes(ctx context.Context) ([]FeeType, error)
	GetFeeType(ctx context.Context, id int64) (FeeType, error)
	ListStudents(ctx context.Context, class string, limit, offset int) ([]Student, int, error)
	StudentsByIDs(ctx context.Context, ids []string) ([]Student, error)
	ActiveStudents(ctx context.Context, class string) ([]Student, error)
	GetStudent(ctx context.Context, id string) (Student, error)
	CreateStudent(ctx context.Context, input StudentInput) (Student, error)
	UpdateStudent(ctx context.Context, id string, input StudentUpdate) (Student, error)
	StudentFees(ctx context.Context, studentID string) ([]FeeLine, error)
	RecordPayment(ctx context.Context, input PaymentInput) (*Payment, error)
	ListPayments(ctx context.Context, studentID string, limit, offset int) ([]Payment, int, error)
	GetPayment(ctx context.Context, id int64) (Payment, error)
	CreateFee(ctx context.Context, input FeeInput) (*Fee, error)
}

// Unique constraints whose violations carry a domain meaning.
const (
	constraintReceipt   = "payments_receipt_number_key"
	constraintAdmission = "students_admission_no_key"
)

func uniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

// Repository provides PostgreSQL backed persistence for billing.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListFeeTypes returns the fee catalogue ordered by name.
func (r *Repository) ListFeeTypes(ctx context.Context) ([]FeeType, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, amount::float8 FROM fee_types ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (FeeType, error) {
		var ft FeeType
		err := row.Scan(&ft.ID, &ft.Name, &ft.Amount)
		return ft, err
	})
}

// GetFeeType fetches one catalogue entry.
func (r *Repository) GetFeeType(ctx context.Context, id int64) (FeeType, error) {
	var ft FeeType
	err := r.pool.QueryRow(ctx, `SELECT id, name, amount::float8 FROM fee_types WHERE id = $1`, id).Scan(&ft.ID, &ft.Name, &ft.Amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return FeeType{}, ErrFeeTypeNotFound
	}
	return ft, err
}

const studentColumns = `id::text, admission_no, first_name, last_name, class,
guardian_name, contact_number, email, address, admission_date, active`

func scanStudent(row pgx.CollectableRow) (Student, error) {
	var s Student
	err := row.Scan(&s.ID, &s.AdmissionNo, &s.FirstName, &s.LastName, &s.Class,
		&s.GuardianName, &s.ContactNumber, &s.Email, &s.Address, &s.AdmissionDate, &s.Active)
	return s, err
}

// ListStudents pages through students, optionally filtered by class.
func (r *Repository) ListStudents(ctx context.Context, class string, limit, offset int) ([]Student, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM students WHERE ($1 = '' OR class = $1)`, class).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+studentColumns+` FROM students
WHERE ($1 = '' OR class = $1)
ORDER BY last_name, first_name
LIMIT $2 OFFSET $3`, class, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	students, err := pgx.CollectRows(rows, scanStudent)
	return students, total, err
}

// StudentsByIDs loads the active students among ids.
func (r *Repository) StudentsByIDs(ctx context.Context, ids []string) ([]Student, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+studentColumns+` FROM students WHERE id = ANY($1::uuid[]) AND active`, ids)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanStudent)
}

// ActiveStudents lists active students, optionally of one class.
func (r *Repository) ActiveStudents(ctx context.Context, class string) ([]Student, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+studentColumns+` FROM students
WHERE active AND ($1 = '' OR class = $1)
ORDER BY last_name, first_name`, class)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanStudent)
}

// GetStudent loads one student, active or not.
func (r *Repository) GetStudent(ctx context.Context, id string) (Student, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+studentColumns+` FROM students WHERE id = $1::uuid`, id)
	if err != nil {
		return Student{}, err
	}
	s, err := pgx.CollectExactlyOneRow(rows, scanStudent)
	if errors.Is(err, pgx.ErrNoRows) {
		return Student{}, ErrStudentNotFound
	}
	return s, err
}

// CreateStudent registers a student with its audit entry.
func (r *Repository) CreateStudent(ctx context.Context, input StudentInput) (Student, error) {
	var created Student
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `INSERT INTO students (
	admission_no, first_name, last_name, class, guardian_name, contact_number, email, address, admission_date
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING `+studentColumns,
			input.AdmissionNo, input.FirstName, input.LastName, input.Class, input.GuardianName,
			input.ContactNumber, input.Email, input.Address, pgtype.Date{Time: input.AdmissionDate, Valid: true},
		)
		if err != nil {
			return err
		}
		created, err = pgx.CollectExactlyOneRow(rows, scanStudent)
		if err != nil {
			if uniqueViolation(err, constraintAdmission) {
				return ErrAdmissionTaken
			}
			return fmt.Errorf("billing: insert student: %w", err)
		}
		return shared.RecordAudit(ctx, tx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "student.create",
			Entity:   "student",
			EntityID: created.ID,
			Meta:     map[string]any{"admission_no": created.AdmissionNo, "class": created.Class},
		})
	})
	return created, err
}

// UpdateStudent applies the provided fields and records the change.
func (r *Repository) UpdateStudent(ctx context.Context, id string, input StudentUpdate) (Student, error) {
	var updated Student
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `UPDATE students SET
	first_name = COALESCE($2, first_name),
	last_name = COALESCE($3, last_name),
	class = COALESCE($4, class),
	guardian_name = COALESCE($5, guardian_name),
	contact_number = COALESCE($6, contact_number),
	email = COALESCE($7, email),
	address = COALESCE($8, address),
	active = COALESCE($9, active),
	updated_at = NOW()
WHERE id = $1::uuid
RETURNING `+studentColumns,
			id, input.FirstName, input.LastName, input.Class, input.GuardianName,
			input.ContactNumber, input.Email, input.Address, input.Active,
		)
		if err != nil {
			return err
		}
		updated, err = pgx.CollectExactlyOneRow(rows, scanStudent)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrStudentNotFound
		}
		if err != nil {
			return fmt.Errorf("billing: update student: %w", err)
		}
		return shared.RecordAudit(ctx, tx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "student.update",
			Entity:   "student",
			EntityID: updated.ID,
			Meta:     map[string]any{"active": updated.Active, "class": updated.Class},
		})
	})
	return updated, err
}

// StudentFees lists a student's fees, most recent due date first.
func (r *Repository) StudentFees(ctx context.Context, studentID string) ([]FeeLine, error) {
	rows, err := r.pool.Query(ctx, `SELECT f.id, f.student_id::text, f.fee_type_id, f.due_date, f.amount::float8,
	f.status, f.notes, f.created_at, ft.name
FROM fees f
JOIN fee_types ft ON ft.id = f.fee_type_id
WHERE f.student_id = $1::uuid
ORDER BY f.due_date DESC, f.id DESC`, studentID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (FeeLine, error) {
		var line FeeLine
		var status string
		err := row.Scan(&line.ID, &line.StudentID, &line.FeeTypeID, &line.DueDate, &line.Amount,
			&status, &line.Notes, &line.CreatedAt, &line.FeeTypeName)
		line.Status = FeeState(status)
		return line, err
	})
}

const paymentColumns = `p.id, p.student_id::text, p.fee_id, p.payment_date, p.amount::float8, p.payment_method,
p.receipt_number, p.status, p.notes, COALESCE(p.processed_by::text, ''), p.created_at,
s.first_name || ' ' || s.last_name, s.admission_no`

func scanPayment(row pgx.CollectableRow) (Payment, error) {
	var (
		p      Payment
		feeID  pgtype.Int8
		method string
		status string
	)
	err := row.Scan(&p.ID, &p.StudentID, &feeID, &p.PaymentDate, &p.Amount, &method,
		&p.ReceiptNumber, &status, &p.Notes, &p.ProcessedBy, &p.CreatedAt, &p.StudentName, &p.AdmissionNo)
	if feeID.Valid {
		id := feeID.Int64
		p.FeeID = &id
	}
	p.Method = PaymentMethod(method)
	p.Status = PaymentStatus(status)
	return p, err
}

// ListPayments pages through payments, newest first, optionally for one student.
func (r *Repository) ListPayments(ctx context.Context, studentID string, limit, offset int) ([]Payment, int, error) {
	var total int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM payments WHERE ($1 = '' OR student_id::text = $1)`, studentID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+paymentColumns+`
FROM payments p
JOIN students s ON s.id = p.student_id
WHERE ($1 = '' OR p.student_id::text = $1)
ORDER BY p.payment_date DESC, p.id DESC
LIMIT $2 OFFSET $3`, studentID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	payments, err := pgx.CollectRows(rows, scanPayment)
	return payments, total, err
}

// GetPayment loads one payment with its student.
func (r *Repository) GetPayment(ctx context.Context, id int64) (Payment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+paymentColumns+`
FROM payments p
JOIN students s ON s.id = p.student_id
WHERE p.id = $1`, id)
	if err != nil {
		return Payment{}, err
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanPayment)
	if errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, ErrPaymentNotFound
	}
	return p, err
}

// RecordPayment inserts a payment and, when a fee type is given, settles the
// student's oldest unpaid fee of that type. The audit entry commits with it.
// A receipt number already in use fails with ErrReceiptTaken.
func (r *Repository) RecordPayment(ctx context.Context, input PaymentInput) (*Payment, error) {
	var payment Payment
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var feeID pgtype.Int8
		if input.FeeTypeID != nil {
			err := tx.QueryRow(ctx, `SELECT id FROM fees
WHERE student_id = $1::uuid AND fee_type_id = $2 AND status = 'unpaid'
ORDER BY due_date, id
LIMIT 1
FOR UPDATE`, input.StudentID, *input.FeeTypeID).Scan(&feeID)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("billing: find unpaid fee: %w", err)
			}
		}

		var processedBy pgtype.Text
		if input.ProcessedBy != "" {
			processedBy = pgtype.Text{String: input.ProcessedBy, Valid: true}
		}
		err := tx.QueryRow(ctx, `INSERT INTO payments (
	student_id, fee_id, payment_date, amount, payment_method, receipt_number, status, notes, processed_by, created_at
) VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9::uuid, NOW())
RETURNING id, created_at`,
			input.StudentID, feeID, input.PaymentDate, input.Amount, string(input.Method),
			input.ReceiptNumber, string(PaymentCompleted), input.Notes, processedBy,
		).Scan(&payment.ID, &payment.CreatedAt)
		if uniqueViolation(err, constraintReceipt) {
			return ErrReceiptTaken
		}
		if err != nil {
			return fmt.Errorf("billing: insert payment: %w", err)
		}

		if feeID.Valid {
			if _, err := tx.Exec(ctx, `UPDATE fees SET status = 'paid', updated_at = NOW() WHERE id = $1`, feeID.Int64); err != nil {
				return fmt.Errorf("billing: settle fee: %w", err)
			}
			id := feeID.Int64
			payment.FeeID = &id
		}

		return shared.RecordAudit(ctx, tx, shared.AuditLog{
			ActorID:  input.ProcessedBy,
			Action:   "payment.create",
			Entity:   "payment",
			EntityID: strconv.FormatInt(payment.ID, 10),
			Meta: map[string]any{
				"student_id": input.StudentID,
				"amount":     input.Amount,
				"method":     input.Method,
				"receipt":    input.ReceiptNumber,
				"fee_id":     payment.FeeID,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	payment.StudentID = input.StudentID
	payment.PaymentDate = input.PaymentDate
	payment.Amount = input.Amount
	payment.Method = input.Method
	payment.ReceiptNumber = input.ReceiptNumber
	payment.Status = PaymentCompleted
	payment.Notes = input.Notes
	payment.ProcessedBy = input.ProcessedBy
	return &payment, nil
}

// CreateFee inserts an unpaid fee with its audit entry.
func (r *Repository) CreateFee(ctx context.Context, input FeeInput) (*Fee, error) {
	var fee Fee
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `INSERT INTO fees (student_id, fee_type_id, due_date, amount, status, notes, created_at, updated_at)
VALUES ($1::uuid, $2, $3, $4, 'unpaid', $5, NOW(), NOW())
RETURNING id, created_at`,
			input.StudentID, input.FeeTypeID, pgtype.Date{Time: input.DueDate, Valid: true}, input.Amount, input.Notes,
		).Scan(&fee.ID, &fee.CreatedAt)
		if err != nil {
			return fmt.Errorf("billing: insert fee: %w", err)
		}
		return shared.RecordAudit(ctx, tx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "fee.schedule",
			Entity:   "fee",
			EntityID: strconv.FormatInt(fee.ID, 10),
			Meta: map[string]any{
				"student_id":  input.StudentID,
				"fee_type_id": input.FeeTypeID,
				"amount":      input.Amount,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	fee.StudentID = input.StudentID
	fee.FeeTypeID = input.FeeTypeID
	fee.DueDate = input.DueDate
	fee.Amount = input.Amount
	fee.Status = FeeUnpaid
	fee.Notes = input.Notes
	return &fee, nil
}
