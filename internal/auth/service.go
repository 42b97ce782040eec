package auth

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/edulearn/authcore/internal/sessions"
	"github.com/edulearn/authcore/internal/shared"
)

// dummyHash keeps the cost of a failed lookup close to a failed comparison.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("authcore-timing-equaliser"), bcrypt.DefaultCost)

// Service wraps authentication business rules.
type Service struct {
	repo     Repository
	sessions *sessions.Manager
	logger   *slog.Logger
}

// NewService constructs a new Service.
func NewService(repo Repository, manager *sessions.Manager, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, sessions: manager, logger: logger}
}

// LoginResult is returned by Login.
type LoginResult struct {
	User      *User
	Session   sessions.Created
	Suspicion sessions.Suspicion
}

// Authenticate validates email/password credentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			s.logger.Error("lookup user", slog.Any("error", err))
		}
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
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

// Login authenticates the credentials and opens a session. The suspicious
// activity verdict is advisory and never blocks the login.
func (s *Service) Login(ctx context.Context, email, password, ip, userAgent string) (LoginResult, error) {
	user, err := s.Authenticate(ctx, email, password)
	if err != nil {
		return LoginResult{}, err
	}
	verdict, err := s.sessions.CheckSuspiciousActivity(ctx, user.ID, ip, userAgent)
	if err != nil {
		s.logger.Warn("suspicious activity check", slog.Int64("user_id", user.ID), slog.Any("error", err))
	}
	if verdict.IsSuspicious {
		s.logger.Warn("suspicious login", slog.Int64("user_id", user.ID), slog.String("reason", verdict.Reason), slog.String("ip", ip))
	}
	created, err := s.sessions.CreateSession(ctx, user.ID, ip, userAgent)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{User: user, Session: created, Suspicion: verdict}, nil
}

// Profile returns the account behind userID.
func (s *Service) Profile(ctx context.Context, userID int64) (*User, error) {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, &shared.NotFoundError{Resource: "user", Key: "self"}
		}
		return nil, err
	}
	return user, nil
}
