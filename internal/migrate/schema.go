// 包 migrate：首次运行时创建邮编、服务商与质量分三张表
package migrate

import (
	"context"
	"database/sql"

	"craftsmen-api/internal/logger"
)

// 约束：全部使用 IF NOT EXISTS，可重复执行
var stmts = []string{
	`CREATE TABLE IF NOT EXISTS postcodes (
		postcode INTEGER PRIMARY KEY,
		lon DOUBLE PRECISION NOT NULL,
		lat DOUBLE PRECISION NOT NULL,
		distance_group TEXT NOT NULL CHECK (distance_group IN ('group_a','group_b','group_c'))
	)`,
	`CREATE TABLE IF NOT EXISTS service_providers (
		id INTEGER PRIMARY KEY,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		city TEXT NOT NULL DEFAULT '',
		street TEXT NOT NULL DEFAULT '',
		house_number TEXT NOT NULL DEFAULT '',
		lon DOUBLE PRECISION NOT NULL,
		lat DOUBLE PRECISION NOT NULL,
		max_driving_distance BIGINT NOT NULL CHECK (max_driving_distance >= 0),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS quality_factors (
		profile_id INTEGER PRIMARY KEY,
		profile_picture_score DOUBLE PRECISION NOT NULL CHECK (profile_picture_score BETWEEN 0 AND 1),
		profile_description_score DOUBLE PRECISION NOT NULL CHECK (profile_description_score BETWEEN 0 AND 1),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema：按顺序执行建表语句，任一失败即返回
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for i, s := range stmts {
		logger.L().Debug("schema_exec", "idx", i)
		if _, err := db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	logger.L().Debug("schema_done")
	return nil
}
