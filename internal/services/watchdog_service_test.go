package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodesync/server/internal/models"
)

func TestWatchdogSweep(t *testing.T) {
	ctx := context.Background()

	backdate := func(repo *fakeSessionRepo, id string, age time.Duration) {
		repo.mu.Lock()
		repo.sessions[id].StartedAt = time.Now().UTC().Add(-age)
		repo.mu.Unlock()
	}

	t.Run("cancels sessions past the maximum age", func(t *testing.T) {
		manager, repo, peers := newTestSessionManager(t)
		seedPeer(peers, "node-b")

		stale, err := manager.StartSession(ctx, "node-a", "node-b", models.DirectionPush)
		require.NoError(t, err)
		backdate(repo, stale.ID, time.Hour)

		watchdog := NewWatchdogService(manager, time.Minute, 30*time.Minute)
		cancelled, err := watchdog.Sweep(ctx)

		require.NoError(t, err)
		require.Len(t, cancelled, 1)
		assert.Equal(t, stale.ID, cancelled[0].ID)
		assert.Equal(t, models.StatusCancelled, cancelled[0].Status)
		assert.Equal(t, "sync session timed out after 30m0s", cancelled[0].ErrorMessage)
	})

	t.Run("leaves young sessions alone", func(t *testing.T) {
		manager, repo, peers := newTestSessionManager(t)
		seedPeer(peers, "node-b")

		young, err := manager.StartSession(ctx, "node-a", "node-b", models.DirectionPush)
		require.NoError(t, err)
		backdate(repo, young.ID, 5*time.Minute)

		watchdog := NewWatchdogService(manager, time.Minute, 30*time.Minute)
		cancelled, err := watchdog.Sweep(ctx)

		require.NoError(t, err)
		assert.Empty(t, cancelled)

		got, err := manager.GetSession(ctx, young.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCreated, got.Status)
	})

	t.Run("sweeps stuck transferring sessions", func(t *testing.T) {
		manager, repo, peers := newTestSessionManager(t)
		seedPeer(peers, "node-b")

		sess, err := manager.StartSession(ctx, "node-a", "node-b", models.DirectionPush)
		require.NoError(t, err)
		require.NoError(t, manager.AdvanceToPreparing(ctx, sess.ID, "planning"))
		require.NoError(t, manager.AdvanceToTransferring(ctx, sess.ID, "sending"))
		backdate(repo, sess.ID, time.Hour)

		watchdog := NewWatchdogService(manager, time.Minute, 30*time.Minute)
		cancelled, err := watchdog.Sweep(ctx)

		require.NoError(t, err)
		require.Len(t, cancelled, 1)
	})

	t.Run("never touches terminal sessions", func(t *testing.T) {
		manager, repo, peers := newTestSessionManager(t)
		seedPeer(peers, "node-b")

		sess, err := manager.StartSession(ctx, "node-a", "node-b", models.DirectionPush)
		require.NoError(t, err)
		_, err = manager.Fail(ctx, sess.ID, "transport error")
		require.NoError(t, err)
		backdate(repo, sess.ID, time.Hour)

		watchdog := NewWatchdogService(manager, time.Minute, 30*time.Minute)
		cancelled, err := watchdog.Sweep(ctx)

		require.NoError(t, err)
		assert.Empty(t, cancelled)

		got, err := manager.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
	})

	t.Run("a second sweep finds nothing left", func(t *testing.T) {
		manager, repo, peers := newTestSessionManager(t)
		seedPeer(peers, "node-b")

		sess, err := manager.StartSession(ctx, "node-a", "node-b", models.DirectionPush)
		require.NoError(t, err)
		backdate(repo, sess.ID, time.Hour)

		watchdog := NewWatchdogService(manager, time.Minute, 30*time.Minute)

		first, err := watchdog.Sweep(ctx)
		require.NoError(t, err)
		require.Len(t, first, 1)

		second, err := watchdog.Sweep(ctx)
		require.NoError(t, err)
		assert.Empty(t, second)
	})
}
