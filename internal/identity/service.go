package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/bursary/internal/access"
	"github.com/odyssey-erp/bursary/internal/shared"
)

// ResetMailer delivers password reset links.
type ResetMailer interface {
	EnqueuePasswordReset(ctx context.Context, to, link string) error
}

// ServiceConfig carries optional collaborators.
type ServiceConfig struct {
	Tokens   TokenStore
	Mailer   ResetMailer
	ResetURL string
	Logger   *slog.Logger
}

// Service wraps authentication business rules.
type Service struct {
	repo   Repository
	broker *Broker
	cfg    ServiceConfig
}

// NewService constructs a new Service.
func NewService(repo Repository, broker *Broker, cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{repo: repo, broker: broker, cfg: cfg}
}

// Broker exposes the event broker.
func (s *Service) Broker() *Broker {
	return s.broker
}

// Authenticate validates email/password credentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// CurrentIdentity returns the session for userID, or nil when the user is
// unknown or deactivated.
func (s *Service) CurrentIdentity(ctx context.Context, userID string) (*access.Session, error) {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, nil
	}
	return user.Session(), nil
}

// SignIn binds sess to user and records the login.
func (s *Service) SignIn(ctx context.Context, sess *shared.Session, user *User, expiresAt time.Time, ip, ua string) {
	sess.SetUser(user.ID)
	if err := s.repo.CreateSession(ctx, sess.ID, user.ID, expiresAt, ip, ua); err != nil {
		s.cfg.Logger.Warn("register session", slog.Any("error", err))
	}
	s.broker.Publish(Event{Kind: EventSignedIn, UserID: user.ID})
}

// SignOut removes the session record and emits SignedOut.
func (s *Service) SignOut(ctx context.Context, sess *shared.Session) {
	userID := sess.User()
	if err := s.repo.DeleteSession(ctx, sess.ID); err != nil {
		s.cfg.Logger.Warn("remove session", slog.Any("error", err))
	}
	if userID != "" {
		s.broker.Publish(Event{Kind: EventSignedOut, UserID: userID})
	}
}

// ChangePassword sets a new password. A forced first-time change may omit
// the current password; voluntary changes must supply it.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if current != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)); err != nil {
			return ErrCurrentPasswordMismatch
		}
	} else if !user.PasswordChangeRequired {
		return ErrCurrentPasswordRequired
	}
	if err := s.setPassword(ctx, userID, next); err != nil {
		return err
	}
	s.broker.Publish(Event{Kind: EventPasswordChanged, UserID: userID})
	return nil
}

// ForcePasswordChange flags userID so every view redirects to the
// password-change view until a new password is set.
func (s *Service) ForcePasswordChange(ctx context.Context, userID string) error {
	if err := s.repo.SetPasswordChangeRequired(ctx, userID, true); err != nil {
		return err
	}
	s.broker.Publish(Event{Kind: EventPasswordResetForced, UserID: userID})
	return nil
}

// RequestPasswordReset e-mails a reset link. Unknown addresses are accepted
// silently so the endpoint does not reveal which accounts exist.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	if s.cfg.Tokens == nil || s.cfg.Mailer == nil {
		return errors.New("identity: password reset not configured")
	}
	user, err := s.repo.FindByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil
		}
		return err
	}
	if !user.IsActive {
		return nil
	}
	token, err := s.cfg.Tokens.Issue(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("identity: issue reset token: %w", err)
	}
	link := s.cfg.ResetURL + "?" + url.Values{"token": {token}}.Encode()
	return s.cfg.Mailer.EnqueuePasswordReset(ctx, user.Email, link)
}

// ResetPassword consumes a reset token and sets the new password.
func (s *Service) ResetPassword(ctx context.Context, token, next string) error {
	if s.cfg.Tokens == nil {
		return errors.New("identity: password reset not configured")
	}
	if len(next) < MinPasswordLength {
		return ErrWeakPassword
	}
	userID, err := s.cfg.Tokens.Consume(ctx, token)
	if err != nil {
		return err
	}
	if err := s.setPassword(ctx, userID, next); err != nil {
		return err
	}
	s.broker.Publish(Event{Kind: EventPasswordChanged, UserID: userID})
	return nil
}

func (s *Service) setPassword(ctx context.Context, userID, next string) error {
	if len(next) < MinPasswordLength {
		return ErrWeakPassword
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	return s.repo.UpdatePassword(ctx, userID, hash)
}

// HashPassword hashes a password with bcrypt's default cost.
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("identity: hash password: %w", err)
	}
	return string(hashed), nil
}
