package internal_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/escape-room/internal"
	"github.com/koopa0/system-design/escape-room/internal/migrations"
	"github.com/koopa0/system-design/escape-room/internal/testutils"
)

// TestArchive_Integration 測試遊戲結果存檔
func TestArchive_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	env := testutils.SetupPostgres(t)
	ctx := context.Background()
	archive := internal.NewArchive(env.Pool, newTestLogger())

	t.Run("only game-ended is recorded", func(t *testing.T) {
		env.Truncate(t)

		require.NoError(t, archive.Publish(ctx, roomEvent(internal.EventPlayerJoined, "R1")))
		require.NoError(t, archive.Publish(ctx, roomEvent(internal.EventGameStarted, "R1")))

		results, err := archive.Recent(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("game-ended round trip", func(t *testing.T) {
		env.Truncate(t)

		started := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		ended := started.Add(15 * time.Minute)
		success := true

		ev := roomEvent(internal.EventGameEnded, "R1")
		ev.Room.Name = "Vault"
		ev.Room.Status = internal.StatusFinished
		ev.Room.Players = []internal.Player{{ID: "c1", Name: "Ann"}, {ID: "c2", Name: "Bob"}}
		ev.Room.StartTime = &started
		ev.Room.EndTime = &ended
		ev.Room.Success = &success
		ev.Success = &success

		require.NoError(t, archive.Publish(ctx, ev))

		results, err := archive.Recent(ctx, 10)
		require.NoError(t, err)
		require.Len(t, results, 1)

		got := results[0]
		assert.NotZero(t, got.ID)
		assert.Equal(t, "R1", got.RoomID)
		assert.Equal(t, "Vault", got.RoomName)
		assert.Equal(t, []string{"Ann", "Bob"}, got.PlayerNames)
		require.NotNil(t, got.StartedAt)
		assert.True(t, started.Equal(*got.StartedAt))
		assert.True(t, ended.Equal(got.EndedAt))
		assert.True(t, got.Success)
		require.NotNil(t, got.DurationMS)
		assert.Equal(t, int64(15*time.Minute/time.Millisecond), *got.DurationMS)
	})

	t.Run("recent is newest first and limited", func(t *testing.T) {
		env.Truncate(t)

		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		for i, id := range []string{"A", "B", "C"} {
			require.NoError(t, archive.Record(ctx, internal.GameResult{
				RoomID:      id,
				RoomName:    id,
				PlayerNames: []string{},
				EndedAt:     base.Add(time.Duration(i) * time.Hour),
			}))
		}

		results, err := archive.Recent(ctx, 2)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "C", results[0].RoomID)
		assert.Equal(t, "B", results[1].RoomID)
		assert.Nil(t, results[0].StartedAt)
		assert.Nil(t, results[0].DurationMS)
	})
}

// TestMigrator_Integration 測試遷移的回滾與重新套用
func TestMigrator_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	env := testutils.SetupPostgres(t)

	m, err := migrations.New(env.DSN, newTestLogger())
	require.NoError(t, err)
	defer m.Close()

	version, dirty, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// 重複套用不報錯
	require.NoError(t, m.Up())

	require.NoError(t, m.Down())
	_, err = env.Pool.Exec(context.Background(), "SELECT 1 FROM game_results")
	assert.Error(t, err, "table is dropped after rollback")

	require.NoError(t, m.Up())
	_, err = env.Pool.Exec(context.Background(), "SELECT 1 FROM game_results")
	assert.NoError(t, err)
}
