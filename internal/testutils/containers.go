// Package testutils 提供整合測試用的容器環境
//
// 啟動 Redis 與 PostgreSQL 測試容器，並套用遊戲結果表的遷移。
// 容器在測試結束時自動終止。
package testutils

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/koopa0/system-design/escape-room/internal/migrations"
)

// RedisEnv Redis 測試環境
type RedisEnv struct {
	Client    *redis.Client
	Addr      string
	container tc.Container
}

// PostgresEnv PostgreSQL 測試環境
type PostgresEnv struct {
	Pool      *pgxpool.Pool
	DSN       string
	container tc.Container
}

// Logger 測試用日誌（只輸出警告以上）
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}

// SetupRedis 啟動 Redis 測試容器
//
//	func TestSomething(t *testing.T) {
//	    env := testutils.SetupRedis(t)
//	    // 使用 env.Client
//	}
func SetupRedis(t testing.TB) *RedisEnv {
	t.Helper()

	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	env := &RedisEnv{container: container}
	t.Cleanup(func() { env.cleanup() })

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}
	env.Addr = endpoint

	env.Client = redis.NewClient(&redis.Options{
		Addr:         endpoint,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := env.Client.Ping(pingCtx).Err(); err != nil {
		t.Fatalf("failed to ping redis: %v", err)
	}

	return env
}

// Flush 清空 Redis 資料（用於測試之間的清理）
func (env *RedisEnv) Flush(t testing.TB) {
	t.Helper()

	if err := env.Client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
}

func (env *RedisEnv) cleanup() {
	if env.Client != nil {
		_ = env.Client.Close()
	}
	if env.container != nil {
		_ = env.container.Terminate(context.Background())
	}
}

// SetupPostgres 啟動 PostgreSQL 測試容器並執行遷移
func SetupPostgres(t testing.TB) *PostgresEnv {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("escape_room_test"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpass"),
		tc.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	env := &PostgresEnv{container: container}
	t.Cleanup(func() { env.cleanup() })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}
	env.DSN = dsn

	env.Migrate(t)

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("failed to parse postgres config: %v", err)
	}
	config.MaxConns = 5
	config.MinConns = 1

	env.Pool, err = pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		t.Fatalf("failed to create postgres pool: %v", err)
	}
	if err := env.Pool.Ping(ctx); err != nil {
		t.Fatalf("failed to ping postgres: %v", err)
	}

	return env
}

// Migrate 套用所有遷移（可重複呼叫）
func (env *PostgresEnv) Migrate(t testing.TB) {
	t.Helper()

	m, err := migrations.New(env.DSN, Logger())
	if err != nil {
		t.Fatalf("failed to create migrator: %v", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
}

// Truncate 清空遊戲結果表
func (env *PostgresEnv) Truncate(t testing.TB) {
	t.Helper()

	if _, err := env.Pool.Exec(context.Background(), "TRUNCATE TABLE game_results RESTART IDENTITY"); err != nil {
		t.Fatalf("failed to truncate game_results: %v", err)
	}
}

func (env *PostgresEnv) cleanup() {
	if env.Pool != nil {
		env.Pool.Close()
	}
	if env.container != nil {
		_ = env.container.Terminate(context.Background())
	}
}
