package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/farmx/apiserver/internal/auth"
	"github.com/farmx/apiserver/internal/store"
	"github.com/farmx/apiserver/types"
)

func newTestAuthService(t *testing.T, repo UserRepository) *AuthService {
	t.Helper()
	svc, err := NewAuthService(repo,
		auth.NewPasswordHasher(bcrypt.MinCost),
		auth.NewTokenIssuer("test-secret", time.Hour),
		nil)
	require.NoError(t, err)
	return svc
}

// failingRepo simulates an unreachable credential store.
type failingRepo struct {
	err error
}

func (r failingRepo) GetByID(ctx context.Context, id int) (types.User, error) {
	return types.User{}, r.err
}

func (r failingRepo) GetByEmail(ctx context.Context, email string) (types.User, error) {
	return types.User{}, r.err
}

func (r failingRepo) Create(ctx context.Context, user types.User) (types.User, error) {
	return types.User{}, r.err
}

func TestAuthService_SignupThenLogin(t *testing.T) {
	repo := store.NewMemoryUserRepository()
	svc := newTestAuthService(t, repo)
	ctx := context.Background()

	user, err := svc.Signup(ctx, SignupInput{Name: "Asha", Email: "Asha@Farm.io ", Password: "s3cret"})
	require.NoError(t, err)
	assert.NotZero(t, user.ID)
	assert.Equal(t, "asha@farm.io", user.Email)
	assert.NotEqual(t, "s3cret", user.PasswordHash)

	res, err := svc.Login(ctx, "asha@farm.io", "s3cret")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, types.UserProfile{ID: user.ID, Name: "Asha", Email: "asha@farm.io"}, res.User)

	subject, err := svc.VerifyToken(res.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, subject)

	me, err := svc.Authenticate(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, me.ID)
}

func TestAuthService_SignupDuplicateEmail(t *testing.T) {
	svc := newTestAuthService(t, store.NewMemoryUserRepository())
	ctx := context.Background()

	_, err := svc.Signup(ctx, SignupInput{Name: "A", Email: "a@farm.io", Password: "one"})
	require.NoError(t, err)

	_, err = svc.Signup(ctx, SignupInput{Name: "B", Email: "A@FARM.IO", Password: "two"})
	assert.ErrorIs(t, err, ErrDuplicateUser)
}

func TestAuthService_SignupInvalidInput(t *testing.T) {
	svc := newTestAuthService(t, store.NewMemoryUserRepository())

	cases := []SignupInput{
		{Email: "a@farm.io", Password: "pw"},
		{Name: "A", Password: "pw"},
		{Name: "A", Email: "a@farm.io"},
		{Name: "   ", Email: "a@farm.io", Password: "pw"},
	}
	for _, in := range cases {
		_, err := svc.Signup(context.Background(), in)
		assert.ErrorIs(t, err, ErrInvalidInput, "input %+v", in)
	}
}

func TestAuthService_SignupRejectsOverlongPassword(t *testing.T) {
	repo := store.NewMemoryUserRepository()
	svc := newTestAuthService(t, repo)

	_, err := svc.Signup(context.Background(), SignupInput{
		Name: "A", Email: "long@farm.io", Password: strings.Repeat("a", 73),
	})
	assert.ErrorIs(t, err, ErrPasswordTooLong)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = repo.GetByEmail(context.Background(), "long@farm.io")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.Signup(context.Background(), SignupInput{
		Name: "A", Email: "long@farm.io", Password: strings.Repeat("a", 72),
	})
	assert.NoError(t, err)
}

func TestAuthService_LoginFailuresAreIndistinguishable(t *testing.T) {
	svc := newTestAuthService(t, store.NewMemoryUserRepository())
	ctx := context.Background()

	_, err := svc.Signup(ctx, SignupInput{Name: "A", Email: "a@farm.io", Password: "harvest"})
	require.NoError(t, err)

	_, unknownErr := svc.Login(ctx, "nobody@farm.io", "harvest")
	_, wrongErr := svc.Login(ctx, "a@farm.io", "harvesT")

	require.ErrorIs(t, unknownErr, ErrInvalidCredentials)
	require.ErrorIs(t, wrongErr, ErrInvalidCredentials)
	assert.Equal(t, unknownErr.Error(), wrongErr.Error())
}

func TestAuthService_LoginRejectsAlteredPassword(t *testing.T) {
	svc := newTestAuthService(t, store.NewMemoryUserRepository())
	ctx := context.Background()

	const password = "monsoon-2024"
	_, err := svc.Signup(ctx, SignupInput{Name: "A", Email: "a@farm.io", Password: password})
	require.NoError(t, err)

	for i := range password {
		altered := []byte(password)
		altered[i] ^= 0x01
		_, err := svc.Login(ctx, "a@farm.io", string(altered))
		assert.ErrorIs(t, err, ErrInvalidCredentials, "altered at %d", i)
	}
}

func TestAuthService_StoreUnavailable(t *testing.T) {
	svc := newTestAuthService(t, failingRepo{err: errors.New("connection refused")})
	ctx := context.Background()

	_, err := svc.Signup(ctx, SignupInput{Name: "A", Email: "a@farm.io", Password: "pw"})
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrDuplicateUser)

	_, err = svc.Login(ctx, "a@farm.io", "pw")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthService_AuthenticateRejectsUnknownUser(t *testing.T) {
	svc := newTestAuthService(t, store.NewMemoryUserRepository())

	token, err := svc.tokens.Issue(42)
	require.NoError(t, err)

	_, err = svc.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestAuthService_ConcurrentSignupsCreateOneAccount(t *testing.T) {
	repo := store.NewMemoryUserRepository()
	svc := newTestAuthService(t, repo)

	const n = 16
	var (
		wg         sync.WaitGroup
		created    atomic.Int32
		duplicates atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Signup(context.Background(), SignupInput{Name: "A", Email: "race@farm.io", Password: "pw"})
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, ErrDuplicateUser):
				duplicates.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, created.Load())
	assert.EqualValues(t, n-1, duplicates.Load())
	assert.Equal(t, 1, repo.Len())
}
