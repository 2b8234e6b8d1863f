package main

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"craftsmen-api/internal/dataset"
	"craftsmen-api/internal/logger"
	"craftsmen-api/internal/migrate"
	"craftsmen-api/internal/store"
	"craftsmen-api/internal/utils"

	"github.com/joho/godotenv"
)

// 文档注释：离线导入 DATA_DIR 下的三份 JSON 到 PostgreSQL
// 约束：先完整解析再写库，解析失败不写入任何行；按主键 upsert，可重复执行
func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
	l := logger.Setup()
	dir := os.Getenv("DATA_DIR")
	if dir == "" {
		dir = "data"
	}
	ds, err := dataset.Load(dir)
	if err != nil {
		l.Error("dataset_load_error", "dir", dir, "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgresFromEnv()
	if err != nil {
		l.Error("db_open_error", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		l.Error("db_ping_error", "err", err)
		os.Exit(1)
	}
	if err := migrate.EnsureSchema(ctx, db); err != nil {
		l.Error("schema_error", "err", err)
		os.Exit(1)
	}
	st := store.AttachDB(db)

	start := time.Now()
	if err := st.UpsertPostcodes(ctx, sortedValues(ds.Postcodes)); err != nil {
		l.Error("import_error", "table", "postcodes", "err", err)
		os.Exit(1)
	}
	if err := st.UpsertProviders(ctx, sortedValues(ds.Providers)); err != nil {
		l.Error("import_error", "table", "service_providers", "err", err)
		os.Exit(1)
	}
	if err := st.UpsertQualityFactors(ctx, sortedValues(ds.Quality)); err != nil {
		l.Error("import_error", "table", "quality_factors", "err", err)
		os.Exit(1)
	}
	l.Info("import_done",
		"postcodes", len(ds.Postcodes),
		"providers", len(ds.Providers),
		"quality", len(ds.Quality),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// sortedValues：按主键升序输出，保证批次内容可复现
func sortedValues[V any](m map[uint32]V) []V {
	keys := make([]uint32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]V, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}
