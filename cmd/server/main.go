package main

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"github.com/SteamVC/pixelroom/internal/artwork"
	"github.com/SteamVC/pixelroom/internal/collab"
	"github.com/SteamVC/pixelroom/internal/config"
	"github.com/SteamVC/pixelroom/internal/handlers"
	httpx "github.com/SteamVC/pixelroom/internal/http"
	"github.com/SteamVC/pixelroom/internal/identity"
	"github.com/SteamVC/pixelroom/internal/metrics"
	"github.com/SteamVC/pixelroom/internal/store"
)

// backend はストアと、終了時に止めるものをまとめます
type backend struct {
	st      store.Store
	sweeper *store.Sweeper
	rdb     *redis.Client
}

func (b backend) close() {
	if b.sweeper != nil {
		b.sweeper.Stop()
	}
	if err := b.st.Close(); err != nil {
		logrus.WithError(err).Warn("store close error")
	}
	if b.rdb != nil {
		_ = b.rdb.Close()
	}
}

func openStore(ctx context.Context, cfg config.Config) (backend, error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			PoolSize:     10,              // 接続プールサイズ
			MinIdleConns: 5,               // 最小アイドル接続数
			MaxRetries:   3,               // リトライ回数
			DialTimeout:  5 * time.Second, // 接続タイムアウト
			ReadTimeout:  3 * time.Second, // 読み込みタイムアウト
			WriteTimeout: 3 * time.Second, // 書き込みタイムアウト
			PoolTimeout:  4 * time.Second, // プールからの取得タイムアウト
		})
		// Redis接続確認
		if err := rdb.Ping(ctx).Err(); err != nil {
			return backend{}, err
		}
		logrus.WithField("addr", cfg.RedisAddr).Info("connected to redis")

		st, err := store.NewRedis(ctx, rdb, cfg.RedisPrefix, cfg.LeaseTTL)
		if err != nil {
			_ = rdb.Close()
			return backend{}, err
		}
		sw, err := store.NewSweeper(st, cfg.SweepSchedule, 0)
		if err != nil {
			_ = st.Close()
			_ = rdb.Close()
			return backend{}, err
		}
		sw.Start()
		return backend{st: st, sweeper: sw, rdb: rdb}, nil

	case config.BackendFirebase:
		var opts []option.ClientOption
		switch {
		case cfg.FirebaseCredentialsJSON != "":
			creds := []byte(cfg.FirebaseCredentialsJSON)
			// Base64で渡された場合も受け付ける
			if !strings.HasPrefix(strings.TrimSpace(cfg.FirebaseCredentialsJSON), "{") {
				decoded, err := base64.StdEncoding.DecodeString(cfg.FirebaseCredentialsJSON)
				if err != nil {
					return backend{}, errors.New("FIREBASE_CREDENTIALS_JSON is neither JSON nor base64")
				}
				creds = decoded
			}
			opts = append(opts, option.WithCredentialsJSON(creds))
		case cfg.FirebaseCredentialsFile != "":
			opts = append(opts, option.WithCredentialsFile(cfg.FirebaseCredentialsFile))
		}
		app, err := firebase.NewApp(ctx, &firebase.Config{DatabaseURL: cfg.FirebaseDatabaseURL}, opts...)
		if err != nil {
			return backend{}, err
		}
		client, err := app.Database(ctx)
		if err != nil {
			return backend{}, err
		}
		logrus.WithField("url", cfg.FirebaseDatabaseURL).Info("connected to firebase realtime database")
		return backend{st: store.NewFirebase(client, cfg.FirebasePollInterval)}, nil

	default:
		logrus.Info("using in-memory store")
		return backend{st: store.NewMemory()}, nil
	}
}

// openArtworks はギャラリーのストアを開きます
// DATABASE_URLがなければメモリ上、MINIO_ENDPOINTがあれば作品画像も保存します
func openArtworks(ctx context.Context, cfg config.Config) (artwork.Store, func(), error) {
	var arts artwork.Store = artwork.NewMemoryStore()
	closeFn := func() {}

	if cfg.DatabaseURL != "" {
		poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		poolConfig.MaxConns = 10
		poolConfig.MaxConnIdleTime = 30 * time.Minute
		poolConfig.HealthCheckPeriod = time.Minute

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		pg := artwork.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		logrus.Info("connected to postgres for artworks")
		arts = pg
		closeFn = pool.Close
	}

	if cfg.MinioEndpoint != "" {
		blobs, err := artwork.NewMinioBlobs(ctx, artwork.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		logrus.WithField("bucket", cfg.MinioBucket).Info("artwork images enabled")
		arts = artwork.WithImages(arts, blobs)
	}
	return arts, closeFn, nil
}

func main() {
	cfg := config.Load()
	cfg.ConfigureLogging()
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	metrics.Register()

	initCtx, cancelInit := context.WithTimeout(context.Background(), 15*time.Second)
	be, err := openStore(initCtx, cfg)
	if err != nil {
		cancelInit()
		logrus.WithError(err).WithField("backend", cfg.StoreBackend).Fatal("failed to open store")
	}
	arts, closeArts, err := openArtworks(initCtx, cfg)
	cancelInit()
	if err != nil {
		be.close()
		logrus.WithError(err).Fatal("failed to open artwork store")
	}

	svc := collab.NewServices(be.st, arts)
	auth := identity.NewJWT(cfg.JWTSecret, cfg.JWTTTL)
	router := httpx.NewRouter(httpx.Handlers{
		Rooms:     handlers.NewRoomHandler(svc.Rooms, svc.Canvas),
		Artworks:  handlers.NewArtworkHandler(arts),
		WebSocket: handlers.NewWebSocketHandler(svc, be.st, handlers.WebSocketOptions{
			JoinTimeout:    cfg.JoinTimeout,
			CursorRate:     cfg.CursorRate,
			LeaseTTL:       cfg.LeaseTTL,
			AllowedOrigins: cfg.AllowedOrigin,
		}),
	}, auth, cfg.AllowedOrigin)

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Graceful shutdown用のシグナルチャネル
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// サーバーを別goroutineで起動
	go func() {
		logrus.WithFields(logrus.Fields{"addr": cfg.APIAddr, "backend": cfg.StoreBackend}).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("server error")
		}
	}()

	// シャットダウンシグナルを待つ
	<-sigChan
	logrus.Info("shutdown signal received, shutting down gracefully...")

	// 30秒のタイムアウトでGraceful Shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("server shutdown error")
	}
	be.close()
	closeArts()

	logrus.Info("server stopped")
}
