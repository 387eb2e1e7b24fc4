package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/escape-room/internal"
	"github.com/koopa0/system-design/escape-room/internal/migrations"
	"github.com/koopa0/system-design/escape-room/pkg/logger"
)

const defaultConfigPath = "config.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "配置檔案路徑")
	flag.Parse()

	// 預設路徑的檔案可以不存在（只用默認值與環境變數）
	cfg, err := internal.LoadConfig(*configPath, *configPath == defaultConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("服務器異常退出", "error", err)
		os.Exit(1)
	}
}

// run 組裝並啟動服務，直到收到關閉信號
func run(cfg *internal.Config, log *slog.Logger) error {
	ctx := context.Background()

	sinks, results, cleanup, err := setupSinks(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	// 組裝：Store → Dispatcher → Session → Hub → Handler
	store := internal.NewStore(cfg.Game, log)
	dispatcher := internal.NewDispatcher(sinks, cfg.Sinks.QueueSize, cfg.Sinks.PublishTimeout, log)
	session := internal.NewSession(store, dispatcher, cfg.Game.RoomCleanupInterval, log)
	hub := internal.NewHub(session, cfg.WebSocket, log)

	opts := internal.HandlerOptions{Connections: hub.ConnectionCount}
	if results != nil {
		opts.Results = results
	}
	handler := internal.NewHandler(store, session, log, opts)

	mux := http.NewServeMux()
	mux.Handle("/", handler.Routes())
	mux.HandleFunc("GET /ws", hub.ServeWS)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("密室逃脫服務器啟動",
			"addr", srv.Addr,
			"max_players_per_room", cfg.Game.MaxPlayersPerRoom,
			"sinks", len(sinks))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		log.Info("收到關閉信號，開始優雅關閉", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// 停止接受新連接
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("服務器關閉失敗", "error", err)
			_ = srv.Close()
		}
	}

	// 關閉順序：連接（觸發斷線處理）→ 清理循環 → 事件投遞 → 存儲
	hub.Stop()
	session.Stop()
	dispatcher.Stop()
	store.Stop()

	log.Info("服務器已關閉")
	return runErr
}

// setupSinks 依配置連接外部系統
//
// 返回的 cleanup 會關閉所有已建立的連接。
func setupSinks(ctx context.Context, cfg *internal.Config, log *slog.Logger) ([]internal.Sink, *internal.Archive, func(), error) {
	var (
		sinks    []internal.Sink
		archive  *internal.Archive
		closers  []func()
		closeAll = func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		}
	)

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			closeAll()
			return nil, nil, nil, fmt.Errorf("連接 Redis 失敗: %w", err)
		}
		closers = append(closers, func() { _ = client.Close() })

		sinks = append(sinks, internal.NewRedisMirror(client, cfg.Redis.KeyPrefix, cfg.Redis.SnapshotTTL))
		log.Info("Redis 鏡像已啟用", "addr", cfg.Redis.Addr)
	}

	if cfg.NATS.Enabled {
		nc, err := internal.ConnectNATS(cfg.NATS.URL, log)
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		closers = append(closers, func() { _ = nc.Drain() })

		sinks = append(sinks, internal.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix))
		log.Info("NATS 事件發布已啟用", "url", cfg.NATS.URL)
	}

	if cfg.Postgres.Enabled {
		pool, err := openPostgres(ctx, cfg, log)
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		closers = append(closers, pool.Close)

		archive = internal.NewArchive(pool, log)
		sinks = append(sinks, archive)
		log.Info("遊戲結果存檔已啟用")
	}

	return sinks, archive, closeAll, nil
}

// openPostgres 執行遷移並建立連接池
func openPostgres(ctx context.Context, cfg *internal.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	dsn := cfg.PostgresDSN()

	m, err := migrations.New(dsn, log)
	if err != nil {
		return nil, err
	}
	if err := m.Up(); err != nil {
		_ = m.Close()
		return nil, err
	}
	if err := m.Close(); err != nil {
		log.Warn("關閉遷移管理器失敗", "error", err)
	}

	pgConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("解析 PostgreSQL 配置失敗: %w", err)
	}
	pgConfig.MaxConns = cfg.Postgres.MaxConns
	pgConfig.MinConns = cfg.Postgres.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("連接 PostgreSQL 失敗: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("PostgreSQL 無回應: %w", err)
	}

	return pool, nil
}
