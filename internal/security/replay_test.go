package security

import (
	"context"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayGuardRejectsReusedNonce(t *testing.T) {
	c := &clock{at: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	guard := NewReplayGuard(NewMemoryNonceStore(c.now), time.Minute, c.now)
	ctx := context.Background()
	ts := strconv.FormatInt(c.at.UnixMilli(), 10)

	require.NoError(t, guard.Verify(ctx, ts, "n-1"))
	assert.ErrorIs(t, guard.Verify(ctx, ts, "n-1"), ErrReplayDetected)
	assert.NoError(t, guard.Verify(ctx, ts, "n-2"))
}

func TestReplayGuardTimestampWindow(t *testing.T) {
	c := &clock{at: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	guard := NewReplayGuard(NewMemoryNonceStore(c.now), time.Minute, c.now)
	ctx := context.Background()

	stale := strconv.FormatInt(c.at.Add(-2*time.Minute).UnixMilli(), 10)
	future := strconv.FormatInt(c.at.Add(2*time.Minute).UnixMilli(), 10)
	edge := strconv.FormatInt(c.at.Add(-time.Minute).UnixMilli(), 10)

	assert.ErrorIs(t, guard.Verify(ctx, stale, "a"), ErrReplayDetected)
	assert.ErrorIs(t, guard.Verify(ctx, future, "b"), ErrReplayDetected)
	assert.ErrorIs(t, guard.Verify(ctx, "yesterday", "c"), ErrReplayDetected)
	assert.ErrorIs(t, guard.Verify(ctx, edge, ""), ErrReplayDetected)
	assert.NoError(t, guard.Verify(ctx, edge, "d"))
}

func TestReplayGuardNonceExpires(t *testing.T) {
	c := &clock{at: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	guard := NewReplayGuard(NewMemoryNonceStore(c.now), time.Minute, c.now)
	ctx := context.Background()

	require.NoError(t, guard.Verify(ctx, strconv.FormatInt(c.at.UnixMilli(), 10), "n"))
	c.advance(3 * time.Minute)
	assert.NoError(t, guard.Verify(ctx, strconv.FormatInt(c.at.UnixMilli(), 10), "n"))
}

func TestReplayGuardReadsHeaders(t *testing.T) {
	c := &clock{at: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	guard := NewReplayGuard(NewMemoryNonceStore(c.now), time.Minute, c.now)

	req := httptest.NewRequest("POST", "/api/articles", nil)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(c.at.UnixMilli(), 10))
	req.Header.Set(HeaderNonce, "hdr")

	require.NoError(t, guard.VerifyRequest(req))
	assert.ErrorIs(t, guard.VerifyRequest(req), ErrReplayDetected)
}
