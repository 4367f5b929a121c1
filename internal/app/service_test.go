package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marginalia/api/internal/auth"
	"marginalia/api/internal/store"
)

var (
	_ Store = (*store.PostgresStore)(nil)
	_ Store = (*store.SQLiteStore)(nil)
)

func TestRefreshSessionsDefaultToPrimaryStore(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	session, err := env.service.Login(ctx, testAdmin, testPassword)
	require.NoError(t, err)
	require.NotEmpty(t, session.RefreshToken)

	owner, err := env.store.LookupRefreshSession(ctx, auth.HashToken(session.RefreshToken))
	require.NoError(t, err)
	assert.Equal(t, session.UserID, owner.ID)

	rotated, err := env.service.Refresh(ctx, session.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, session.UserID, rotated.UserID)

	_, err = env.store.LookupRefreshSession(ctx, auth.HashToken(session.RefreshToken))
	assert.True(t, errors.Is(err, store.ErrNotFound), "old refresh token should be gone, got %v", err)
	_, err = env.store.LookupRefreshSession(ctx, auth.HashToken(rotated.RefreshToken))
	assert.NoError(t, err)
}
