package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/bursary/internal/bulk"
	"github.com/odyssey-erp/bursary/internal/shared"
)

// Idempotency module names.
const (
	ModuleBulkPayments = "billing.bulk_payments"
	ModuleScheduleFees = "billing.schedule_fees"
)

const batchLockTTL = 10 * time.Minute

// receiptAttempts bounds how often a payment is retried with a fresh
// receipt number after a collision.
const receiptAttempts = 5

// IdempotencyPort reserves request keys.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// LockPort serialises batches of the same kind.
type LockPort interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// BatchRecorder observes batch outcomes.
type BatchRecorder interface {
	ObserveBulkItems(kind string, succeeded, failed int)
}

// Options carries optional collaborators.
type Options struct {
	Idempotency IdempotencyPort
	Locker      LockPort
	Recorder    BatchRecorder
	Logger      *slog.Logger
	Now         func() time.Time
	IntN        func(int) int
}

// Service handles billing business logic.
type Service struct {
	repo     RepositoryPort
	validate *validator.Validate
	opts     Options
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{repo: repo, validate: validator.New(), opts: opts}
}

// ValidationError wraps input validation failures.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "billing: invalid input: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// FeeTypes lists the fee catalogue.
func (s *Service) FeeTypes(ctx context.Context) ([]FeeType, error) {
	return s.repo.ListFeeTypes(ctx)
}

// Students pages through the student register.
func (s *Service) Students(ctx context.Context, class string, page, perPage int) ([]Student, shared.Pagination, error) {
	p := shared.NewPagination(page, perPage, 0)
	students, total, err := s.repo.ListStudents(ctx, class, p.PerPage, p.Offset())
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return students, shared.NewPagination(p.Page, p.PerPage, total), nil
}

// ValidateBulkPayments checks a batch without running it.
func (s *Service) ValidateBulkPayments(in BulkPaymentInput) error {
	if err := s.validate.Struct(in); err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}

// ValidateScheduleFees checks a batch without running it.
func (s *Service) ValidateScheduleFees(in ScheduleFeesInput) error {
	if err := s.validate.Struct(in); err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}

type target struct {
	id      string
	student *Student
}

// BulkPayments records one payment per selected student. Students are
// processed one after another; a failed student does not stop the batch.
func (s *Service) BulkPayments(ctx context.Context, in BulkPaymentInput) (Outcome[Payment], error) {
	if err := s.ValidateBulkPayments(in); err != nil {
		return Outcome[Payment]{}, err
	}
	students, err := s.repo.StudentsByIDs(ctx, in.StudentIDs)
	if err != nil {
		return Outcome[Payment]{}, fmt.Errorf("billing: load students: %w", err)
	}
	byID := make(map[string]*Student, len(students))
	for i := range students {
		byID[students[i].ID] = &students[i]
	}
	targets := make([]target, 0, len(in.StudentIDs))
	for _, id := range in.StudentIDs {
		targets = append(targets, target{id: id, student: byID[id]})
	}

	return runBatch(ctx, s, "payments", ModuleBulkPayments, in.IdempotencyKey, targets, func(ctx context.Context, t target) (*Payment, error) {
		if t.student == nil {
			return nil, ErrStudentNotFound
		}
		return s.recordPayment(ctx, PaymentInput{
			StudentID:   t.id,
			FeeTypeID:   in.FeeTypeID,
			PaymentDate: in.PaymentDate,
			Amount:      in.Amount,
			Method:      in.Method,
			Notes:       in.Notes,
			ProcessedBy: in.ProcessedBy,
		})
	})
}

// recordPayment issues a receipt number and stores the payment, drawing a
// new number when the previous one is already taken.
func (s *Service) recordPayment(ctx context.Context, in PaymentInput) (*Payment, error) {
	var err error
	for attempt := 1; attempt <= receiptAttempts; attempt++ {
		in.ReceiptNumber = ReceiptNumber(s.opts.Now(), s.opts.IntN)
		var p *Payment
		p, err = s.repo.RecordPayment(ctx, in)
		if !errors.Is(err, ErrReceiptTaken) {
			return p, err
		}
		s.opts.Logger.Warn("billing receipt collision", slog.String("receipt", in.ReceiptNumber), slog.Int("attempt", attempt))
	}
	return nil, err
}

// RecordPayment stores a single payment outside of any batch.
func (s *Service) RecordPayment(ctx context.Context, in PaymentRequest) (*Payment, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, &ValidationError{Err: err}
	}
	found, err := s.repo.StudentsByIDs(ctx, []string{in.StudentID})
	if err != nil {
		return nil, fmt.Errorf("billing: load student: %w", err)
	}
	if len(found) == 0 {
		return nil, ErrStudentNotFound
	}
	p, err := s.recordPayment(ctx, PaymentInput{
		StudentID:   in.StudentID,
		FeeTypeID:   in.FeeTypeID,
		PaymentDate: in.PaymentDate,
		Amount:      in.Amount,
		Method:      in.Method,
		Notes:       in.Notes,
		ProcessedBy: in.ProcessedBy,
	})
	if err != nil {
		return nil, err
	}
	p.StudentName = found[0].FullName()
	p.AdmissionNo = found[0].AdmissionNo
	return p, nil
}

// Payments pages through recorded payments, optionally for one student.
func (s *Service) Payments(ctx context.Context, studentID string, page, perPage int) ([]Payment, shared.Pagination, error) {
	p := shared.NewPagination(page, perPage, 0)
	payments, total, err := s.repo.ListPayments(ctx, studentID, p.PerPage, p.Offset())
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return payments, shared.NewPagination(p.Page, p.PerPage, total), nil
}

// Payment loads one payment.
func (s *Service) Payment(ctx context.Context, id int64) (Payment, error) {
	return s.repo.GetPayment(ctx, id)
}

// Student loads a student's account: details, fees with their display
// status, payment history and outstanding balance.
func (s *Service) Student(ctx context.Context, id string) (StudentAccount, error) {
	student, err := s.repo.GetStudent(ctx, id)
	if err != nil {
		return StudentAccount{}, err
	}
	fees, err := s.repo.StudentFees(ctx, id)
	if err != nil {
		return StudentAccount{}, fmt.Errorf("billing: load fees: %w", err)
	}
	payments, _, err := s.repo.ListPayments(ctx, id, studentHistoryLimit, 0)
	if err != nil {
		return StudentAccount{}, fmt.Errorf("billing: load payments: %w", err)
	}

	now := s.opts.Now()
	account := StudentAccount{Student: student, Fees: fees, Payments: payments}
	for i := range account.Fees {
		f := &account.Fees[i]
		paid := f.Status == FeePaid
		f.Display = FeeStatus(f.DueDate, paid, now)
		if !paid {
			f.OverdueDays = OverdueDays(f.DueDate, now)
			account.Balance += f.Amount
		}
	}
	if account.Fees == nil {
		account.Fees = []FeeLine{}
	}
	if account.Payments == nil {
		account.Payments = []Payment{}
	}
	return account, nil
}

const studentHistoryLimit = 50

// CreateStudent registers a student.
func (s *Service) CreateStudent(ctx context.Context, in StudentInput) (Student, error) {
	in.normalize()
	if err := s.validate.Struct(in); err != nil {
		return Student{}, &ValidationError{Err: err}
	}
	return s.repo.CreateStudent(ctx, in)
}

// UpdateStudent changes a student's details or deactivates them.
func (s *Service) UpdateStudent(ctx context.Context, id string, in StudentUpdate) (Student, error) {
	if in.empty() {
		return Student{}, &ValidationError{Err: ErrNothingToUpdate}
	}
	if err := s.validate.Struct(in); err != nil {
		return Student{}, &ValidationError{Err: err}
	}
	return s.repo.UpdateStudent(ctx, id, in)
}

// ScheduleFees creates one unpaid fee per student in the target group.
func (s *Service) ScheduleFees(ctx context.Context, in ScheduleFeesInput) (Outcome[Fee], error) {
	if err := s.ValidateScheduleFees(in); err != nil {
		return Outcome[Fee]{}, err
	}
	if _, err := s.repo.GetFeeType(ctx, in.FeeTypeID); err != nil {
		return Outcome[Fee]{}, err
	}
	targets, err := s.scheduleTargets(ctx, in)
	if err != nil {
		return Outcome[Fee]{}, err
	}
	if len(targets) == 0 {
		return Outcome[Fee]{}, ErrNoTargets
	}

	return runBatch(ctx, s, "fees", ModuleScheduleFees, in.IdempotencyKey, targets, func(ctx context.Context, t target) (*Fee, error) {
		if t.student == nil {
			return nil, ErrStudentNotFound
		}
		return s.repo.CreateFee(ctx, FeeInput{
			StudentID: t.id,
			FeeTypeID: in.FeeTypeID,
			DueDate:   in.DueDate,
			Amount:    in.Amount,
			Notes:     in.Notes,
			ActorID:   in.ActorID,
		})
	})
}

func (s *Service) scheduleTargets(ctx context.Context, in ScheduleFeesInput) ([]target, error) {
	var (
		students []Student
		err      error
	)
	switch in.Group {
	case GroupAll:
		students, err = s.repo.ActiveStudents(ctx, "")
	case GroupClass:
		students, err = s.repo.ActiveStudents(ctx, in.Class)
	case GroupCustom:
		found, ferr := s.repo.StudentsByIDs(ctx, in.StudentIDs)
		if ferr != nil {
			return nil, fmt.Errorf("billing: load students: %w", ferr)
		}
		byID := make(map[string]*Student, len(found))
		for i := range found {
			byID[found[i].ID] = &found[i]
		}
		targets := make([]target, 0, len(in.StudentIDs))
		for _, id := range in.StudentIDs {
			targets = append(targets, target{id: id, student: byID[id]})
		}
		return targets, nil
	}
	if err != nil {
		return nil, fmt.Errorf("billing: load students: %w", err)
	}
	targets := make([]target, 0, len(students))
	for i := range students {
		targets = append(targets, target{id: students[i].ID, student: &students[i]})
	}
	return targets, nil
}

func runBatch[R any](ctx context.Context, s *Service, kind, module, key string, targets []target, write func(context.Context, target) (*R, error)) (Outcome[R], error) {
	if key != "" && s.opts.Idempotency != nil {
		if err := s.opts.Idempotency.CheckAndInsert(ctx, key, module); err != nil {
			return Outcome[R]{}, err
		}
	}
	if s.opts.Locker != nil {
		release, err := s.opts.Locker.Acquire(ctx, shared.BulkLockKey(kind), batchLockTTL)
		if err != nil {
			s.releaseKey(ctx, key, module)
			return Outcome[R]{}, err
		}
		defer release()
	}

	logger := s.opts.Logger.With(slog.String("batch", kind), slog.Int("targets", len(targets)))
	res := bulk.Apply(ctx, targets, write, bulk.WithObserver(bulk.Observer[target, *R]{
		OnFailure: func(i int, t target, err error) {
			logger.Warn("billing batch item failed", slog.Int("index", i), slog.String("student_id", t.id), slog.Any("error", err))
		},
	}))
	logger.Info("billing batch done", slog.Int("succeeded", len(res.Successes)), slog.Int("failed", len(res.Failures)))
	if s.opts.Recorder != nil {
		s.opts.Recorder.ObserveBulkItems(kind, len(res.Successes), len(res.Failures))
	}

	if len(res.Successes) == 0 {
		s.releaseKey(ctx, key, module)
	}
	return toOutcome(res), nil
}

func (s *Service) releaseKey(ctx context.Context, key, module string) {
	if key == "" || s.opts.Idempotency == nil {
		return
	}
	if err := s.opts.Idempotency.Delete(context.WithoutCancel(ctx), key, module); err != nil {
		s.opts.Logger.Warn("billing release idempotency key", slog.Any("error", err))
	}
}

func toOutcome[R any](res bulk.Result[target, *R]) Outcome[R] {
	out := Outcome[R]{
		Attempted: res.Attempted(),
		Succeeded: make([]ItemResult[R], 0, len(res.Successes)),
		Failed:    make([]ItemResult[R], 0, len(res.Failures)),
	}
	for _, ok := range res.Successes {
		out.Succeeded = append(out.Succeeded, ItemResult[R]{StudentID: ok.Target.id, StudentName: studentName(ok.Target), Record: ok.Value})
	}
	for _, f := range res.Failures {
		out.Failed = append(out.Failed, ItemResult[R]{StudentID: f.Target.id, StudentName: studentName(f.Target), Error: userMessage(f.Err)})
	}
	return out
}

func studentName(t target) string {
	if t.student == nil {
		return ""
	}
	return t.student.FullName()
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, ErrStudentNotFound):
		return "student not found"
	case errors.Is(err, ErrReceiptTaken):
		return "no free receipt number, retry the payment"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "request cancelled"
	default:
		return "could not be recorded"
	}
}
