// 程序入口：仅负责读取配置、加载数据、初始化依赖并启动服务；API 注册在 internal/api
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"craftsmen-api/internal/api"
	"craftsmen-api/internal/dataset"
	"craftsmen-api/internal/engine"
	"craftsmen-api/internal/logger"
	"craftsmen-api/internal/metrics"
	"craftsmen-api/internal/middleware"
	"craftsmen-api/internal/migrate"
	"craftsmen-api/internal/model"
	"craftsmen-api/internal/search"
	"craftsmen-api/internal/store"
	"craftsmen-api/internal/tiered"
	"craftsmen-api/internal/utils"

	"github.com/joho/godotenv"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// shutdownGrace：收到信号后等待在途请求完成的上限
const shutdownGrace = 10 * time.Second

// 文档注释：运行 listen 直到 ctx 取消，然后优雅关闭
// 约束：listen 因关闭而返回后仍须等待 Shutdown 结束（在途请求处理完或超时）才返回
func serve(ctx context.Context, s *http.Server, listen func() error, grace time.Duration, l *slog.Logger) error {
	done := make(chan error, 1)
	go func() {
		<-ctx.Done()
		l.Info("shutdown_begin")
		sctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		done <- s.Shutdown(sctx)
	}()
	if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return <-done
}

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
	l := logger.Setup()
	l.Debug("log_init_ok")

	apiBase := os.Getenv("API_BASE")
	dataDir := envOr("DATA_DIR", "data")
	source := envOr("DATA_SOURCE", "file")
	l.Debug("config", "api_base", apiBase, "data_dir", dataDir, "data_source", source)

	ctx := context.Background()
	var ds model.Dataset
	var persist api.Persister
	switch source {
	case "file":
		var err error
		if ds, err = dataset.Load(dataDir); err != nil {
			l.Error("dataset_load_error", "dir", dataDir, "err", err)
			os.Exit(1)
		}
	case "postgres":
		st, err := openStore(ctx, l)
		if err != nil {
			l.Error("db_error", "err", err)
			os.Exit(1)
		}
		defer st.Close()
		if ds, err = st.LoadDataset(ctx); err != nil {
			l.Error("db_dataset_load_error", "err", err)
			os.Exit(1)
		}
		persist = st
	default:
		l.Error("config_data_source_invalid", "value", source)
		os.Exit(1)
	}
	eng := engine.New(ds, tiered.BuffersFromEnv())

	// 邮编检索数据缺失不影响主流程
	var idx *search.Index
	infoPath := filepath.Join(dataDir, dataset.PostcodeInfoFile)
	if infos, err := dataset.LoadPostcodeInfo(infoPath); err == nil {
		idx = search.New(infos)
		l.Info("zipcode_search_ready", "entries", idx.Len())
	} else {
		l.Warn("zipcode_search_disabled", "path", infoPath, "err", err)
	}

	rc := utils.OpenRedisFromEnv()
	if rc == nil {
		l.Info("redis_disabled")
	} else {
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			l.Error("redis_ping_error", "err", err)
		} else {
			l.Info("redis_ping_ok")
		}
	}

	pageSize, _ := strconv.Atoi(os.Getenv("PAGE_SIZE"))
	ttlSec, _ := strconv.Atoi(os.Getenv("CACHE_TTL_S"))
	apiMux := api.BuildRoutes(eng, rc, idx, api.Config{
		PageSize:    pageSize,
		CacheTTL:    time.Duration(ttlSec) * time.Second,
		Persist:     persist,
		UpdateGuard: middleware.AllowListFromEnv(l).Wrap,
	})

	mux := http.NewServeMux()
	mux.Handle(apiBase+"/", http.StripPrefix(apiBase, apiMux))
	mux.Handle(apiBase+"/metrics", metrics.Handler())

	addr := envOr("ADDR", ":3000")
	handler := logger.AccessMiddleware(l)(mux)
	handler = middleware.Wrap(handler)
	s := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listen := func() error {
		l.Info("listening", "addr", addr)
		return s.ListenAndServe()
	}
	if os.Getenv("TLS_ENABLE") == "true" {
		certPath := envOr("TLS_CERT_PATH", filepath.Join("data", "certs", "server.crt"))
		keyPath := envOr("TLS_KEY_PATH", filepath.Join("data", "certs", "server.key"))
		if err := utils.EnsureSelfSignedCert(certPath, keyPath, "craftsmen-api.local"); err != nil {
			l.Error("tls_cert_error", "err", err)
			os.Exit(1)
		}
		listen = func() error {
			l.Info("listening_tls", "addr", addr, "cert", certPath)
			return s.ListenAndServeTLS(certPath, keyPath)
		}
	}
	if err := serve(sigCtx, s, listen, shutdownGrace, l); err != nil {
		l.Error("server_error", "err", err)
		os.Exit(1)
	}
	l.Info("shutdown_done")
}

// openStore：连接 PostgreSQL 并确保表结构存在
func openStore(ctx context.Context, l *slog.Logger) (*store.Store, error) {
	db, err := utils.OpenPostgresFromEnv()
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	l.Info("db_ping_ok")
	if err := migrate.EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return store.AttachDB(db), nil
}
