package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farmx/apiserver/types"
)

func TestMemoryUserRepository_CreateAndGet(t *testing.T) {
	repo := NewMemoryUserRepository()
	ctx := context.Background()

	created, err := repo.Create(ctx, types.User{Name: "Ada", Email: "ada@example.com", PasswordHash: "h"})
	require.NoError(t, err)
	assert.Equal(t, 1, created.ID)

	byEmail, err := repo.GetByEmail(ctx, "ADA@example.com ")
	require.NoError(t, err)
	assert.Equal(t, created, byEmail)

	byID, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, byID)

	_, err = repo.GetByID(ctx, 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryUserRepository_ConcurrentCreateSameEmail(t *testing.T) {
	repo := NewMemoryUserRepository()

	const workers = 32
	var ok, dup atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Create(context.Background(), types.User{Name: "x", Email: "same@example.com"})
			switch err {
			case nil:
				ok.Add(1)
			case ErrDuplicate:
				dup.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, workers-1, dup.Load())
	assert.Equal(t, 1, repo.Len())
}
