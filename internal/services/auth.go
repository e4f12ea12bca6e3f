package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/farmx/apiserver/internal/auth"
	"github.com/farmx/apiserver/internal/store"
	"github.com/farmx/apiserver/types"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByID(ctx context.Context, id int) (types.User, error)
	GetByEmail(ctx context.Context, email string) (types.User, error)
	Create(ctx context.Context, user types.User) (types.User, error)
}

// SignupInput carries the fields of a new account.
type SignupInput struct {
	Name     string
	Email    string
	Password string
}

// LoginResult is a freshly issued token with the authenticated user.
type LoginResult struct {
	Token string
	User  types.UserProfile
}

// AuthService encapsulates signup and login.
type AuthService struct {
	repo   UserRepository
	hasher *auth.PasswordHasher
	tokens *auth.TokenIssuer
	logger *slog.Logger

	// dummyHash is compared against when the email is unknown so a miss
	// costs the same bcrypt work as a wrong password.
	dummyHash string
}

func NewAuthService(repo UserRepository, hasher *auth.PasswordHasher, tokens *auth.TokenIssuer, logger *slog.Logger) (*AuthService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dummy, err := hasher.Hash("farmx-dummy-password")
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}
	return &AuthService{
		repo:      repo,
		hasher:    hasher,
		tokens:    tokens,
		logger:    logger.With(slog.String("component", "auth")),
		dummyHash: dummy,
	}, nil
}

// Signup registers a new account and returns it.
//
// The existence check gives the common case a clean error; the store's
// unique email index decides races between concurrent signups.
func (s *AuthService) Signup(ctx context.Context, in SignupInput) (types.User, error) {
	name := strings.TrimSpace(in.Name)
	email := normalizeEmail(in.Email)
	if name == "" || email == "" || in.Password == "" {
		return types.User{}, ErrInvalidInput
	}
	if len(in.Password) > auth.MaxPasswordBytes {
		return types.User{}, ErrPasswordTooLong
	}

	if _, err := s.repo.GetByEmail(ctx, email); err == nil {
		return types.User{}, ErrDuplicateUser
	} else if !errors.Is(err, store.ErrNotFound) {
		s.logger.ErrorContext(ctx, "lookup before signup failed", slog.Any("error", err))
		return types.User{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	hashed, err := s.hasher.Hash(in.Password)
	if err != nil {
		return types.User{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.repo.Create(ctx, types.User{
		Name:         name,
		Email:        email,
		PasswordHash: hashed,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return types.User{}, ErrDuplicateUser
		}
		s.logger.ErrorContext(ctx, "create user failed", slog.Any("error", err))
		return types.User{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.logger.InfoContext(ctx, "user registered", slog.Int("user_id", user.ID))
	return user, nil
}

// Login verifies credentials and issues a token. Unknown emails and wrong
// passwords both yield ErrInvalidCredentials.
func (s *AuthService) Login(ctx context.Context, email, password string) (LoginResult, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return LoginResult{}, ErrInvalidCredentials
	}

	user, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.hasher.Verify(s.dummyHash, password)
			return LoginResult{}, ErrInvalidCredentials
		}
		s.logger.ErrorContext(ctx, "lookup for login failed", slog.Any("error", err))
		return LoginResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if !s.hasher.Verify(user.PasswordHash, password) {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("issue token: %w", err)
	}

	return LoginResult{Token: token, User: user.Profile()}, nil
}

// Authenticate resolves a bearer token to the user it was issued for.
func (s *AuthService) Authenticate(ctx context.Context, token string) (types.User, error) {
	userID, err := s.tokens.Verify(token)
	if err != nil {
		return types.User{}, err
	}
	user, err := s.User(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return types.User{}, auth.ErrInvalidToken
	}
	return user, err
}

// User loads an account by id. A missing account is store.ErrNotFound.
func (s *AuthService) User(ctx context.Context, id int) (types.User, error) {
	user, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.User{}, err
		}
		return types.User{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return user, nil
}

// VerifyToken checks a token without touching the store.
func (s *AuthService) VerifyToken(token string) (int, error) {
	return s.tokens.Verify(token)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
