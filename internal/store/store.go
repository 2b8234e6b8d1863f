// 包 store：PostgreSQL 数据访问层，负责加载引擎数据集、批量导入与更新回写
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"craftsmen-api/internal/geo"
	"craftsmen-api/internal/logger"
	"craftsmen-api/internal/model"

	_ "github.com/lib/pq"
)

// BatchSize：批量导入时每个事务写入的行数
const BatchSize = 5000

// Store：数据库访问入口
type Store struct {
	db *sql.DB
}

func AttachDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// ErrBadRow：库中的行超出引擎可接受的取值范围
var ErrBadRow = errors.New("row out of range")

func validID(id int64) bool { return id >= 0 && id <= int64(^uint32(0)) }

func validCoord(lon, lat float64) bool { return lon >= -180 && lon <= 180 && lat >= -90 && lat <= 90 }

func validScore(v float64) bool { return v >= 0 && v <= 1 }

func postcodeFromRow(code int64, lon, lat float64, group string) (model.PostalCode, error) {
	if !validID(code) {
		return model.PostalCode{}, fmt.Errorf("%w: postcode %d", ErrBadRow, code)
	}
	if !validCoord(lon, lat) {
		return model.PostalCode{}, fmt.Errorf("%w: postcode %d lon=%v lat=%v", ErrBadRow, code, lon, lat)
	}
	g, err := model.ParseGroup(group)
	if err != nil {
		return model.PostalCode{}, fmt.Errorf("postcode %d: %w", code, err)
	}
	return model.PostalCode{Code: uint32(code), Point: geo.FromDegrees(lon, lat), Group: g}, nil
}

// providerFromRow：校验并填充 ID、坐标与最大行驶距离；文本字段由调用方扫描
func providerFromRow(p model.ServiceProvider, id int64, lon, lat float64, maxDist int64) (model.ServiceProvider, error) {
	if !validID(id) {
		return model.ServiceProvider{}, fmt.Errorf("%w: provider id %d", ErrBadRow, id)
	}
	if !validCoord(lon, lat) {
		return model.ServiceProvider{}, fmt.Errorf("%w: provider %d lon=%v lat=%v", ErrBadRow, id, lon, lat)
	}
	if maxDist < 0 {
		return model.ServiceProvider{}, fmt.Errorf("%w: provider %d max_driving_distance=%d", ErrBadRow, id, maxDist)
	}
	p.ID = uint32(id)
	p.Point = geo.FromDegrees(lon, lat)
	p.MaxDrivingDistance = uint64(maxDist)
	return p, nil
}

func qualityFromRow(id int64, picture, description float64) (model.QualityFactor, error) {
	if !validID(id) {
		return model.QualityFactor{}, fmt.Errorf("%w: quality profile id %d", ErrBadRow, id)
	}
	if !validScore(picture) || !validScore(description) {
		return model.QualityFactor{}, fmt.Errorf("%w: quality %d scores %v/%v", ErrBadRow, id, picture, description)
	}
	return model.QualityFactor{ProfileID: uint32(id), PictureScore: picture, DescriptionScore: description}, nil
}

// 文档注释：读取三张表组成引擎数据集
// 约束：坐标在库中为角度制，读出时转为弧度；ID、坐标、距离或分值越界以及分组非法都视为数据损坏并返回错误
func (s *Store) LoadDataset(ctx context.Context) (model.Dataset, error) {
	ds := model.Dataset{
		Postcodes: map[uint32]model.PostalCode{},
		Quality:   map[uint32]model.QualityFactor{},
		Providers: map[uint32]model.ServiceProvider{},
	}

	rows, err := s.db.QueryContext(ctx, "SELECT postcode, lon, lat, distance_group FROM postcodes")
	if err != nil {
		return model.Dataset{}, fmt.Errorf("query postcodes: %w", err)
	}
	for rows.Next() {
		var code int64
		var lon, lat float64
		var group string
		if err := rows.Scan(&code, &lon, &lat, &group); err != nil {
			rows.Close()
			return model.Dataset{}, fmt.Errorf("scan postcode: %w", err)
		}
		pc, err := postcodeFromRow(code, lon, lat, group)
		if err != nil {
			rows.Close()
			return model.Dataset{}, err
		}
		ds.Postcodes[pc.Code] = pc
	}
	if err := closeRows(rows); err != nil {
		return model.Dataset{}, fmt.Errorf("postcodes: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `SELECT id, first_name, last_name, city, street, house_number, lon, lat, max_driving_distance FROM service_providers`)
	if err != nil {
		return model.Dataset{}, fmt.Errorf("query providers: %w", err)
	}
	for rows.Next() {
		var p model.ServiceProvider
		var id, maxDist int64
		var lon, lat float64
		if err := rows.Scan(&id, &p.FirstName, &p.LastName, &p.City, &p.Street, &p.HouseNumber, &lon, &lat, &maxDist); err != nil {
			rows.Close()
			return model.Dataset{}, fmt.Errorf("scan provider: %w", err)
		}
		if p, err = providerFromRow(p, id, lon, lat, maxDist); err != nil {
			rows.Close()
			return model.Dataset{}, err
		}
		ds.Providers[p.ID] = p
	}
	if err := closeRows(rows); err != nil {
		return model.Dataset{}, fmt.Errorf("providers: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, "SELECT profile_id, profile_picture_score, profile_description_score FROM quality_factors")
	if err != nil {
		return model.Dataset{}, fmt.Errorf("query quality factors: %w", err)
	}
	for rows.Next() {
		var id int64
		var picture, description float64
		if err := rows.Scan(&id, &picture, &description); err != nil {
			rows.Close()
			return model.Dataset{}, fmt.Errorf("scan quality factor: %w", err)
		}
		q, err := qualityFromRow(id, picture, description)
		if err != nil {
			rows.Close()
			return model.Dataset{}, err
		}
		ds.Quality[q.ProfileID] = q
	}
	if err := closeRows(rows); err != nil {
		return model.Dataset{}, fmt.Errorf("quality factors: %w", err)
	}

	logger.L().Info("db_dataset_loaded", "postcodes", len(ds.Postcodes), "providers", len(ds.Providers), "quality", len(ds.Quality))
	return ds, nil
}

func closeRows(rows *sql.Rows) error {
	err := rows.Err()
	if cerr := rows.Close(); err == nil {
		err = cerr
	}
	return err
}

// chunks：按 size 切分，最后一段可能不足 size
func chunks[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = BatchSize
	}
	var out [][]T
	for len(items) > size {
		out = append(out, items[:size:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

// upsertBatched：每批一个事务、一条预编译语句；任一批失败即返回，已提交的批次保留
func upsertBatched[T any](ctx context.Context, db *sql.DB, table, query string, items []T, args func(T) []any) error {
	done := 0
	for _, batch := range chunks(items, BatchSize) {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			tx.Rollback()
			return err
		}
		for _, it := range batch {
			if _, err := stmt.ExecContext(ctx, args(it)...); err != nil {
				stmt.Close()
				tx.Rollback()
				return fmt.Errorf("%s upsert: %w", table, err)
			}
		}
		stmt.Close()
		if err := tx.Commit(); err != nil {
			return err
		}
		done += len(batch)
		logger.L().Info("import_batch_committed", "table", table, "rows", done, "total", len(items))
	}
	return nil
}

// UpsertPostcodes：按邮编主键写入或覆盖
func (s *Store) UpsertPostcodes(ctx context.Context, pcs []model.PostalCode) error {
	return upsertBatched(ctx, s.db, "postcodes",
		`INSERT INTO postcodes(postcode, lon, lat, distance_group) VALUES($1,$2,$3,$4)
		ON CONFLICT (postcode) DO UPDATE SET lon=EXCLUDED.lon, lat=EXCLUDED.lat, distance_group=EXCLUDED.distance_group`,
		pcs, func(pc model.PostalCode) []any {
			lon, lat := pc.Point.Degrees()
			return []any{int64(pc.Code), lon, lat, pc.Group.String()}
		})
}

// UpsertProviders：按服务商 ID 写入或覆盖
func (s *Store) UpsertProviders(ctx context.Context, ps []model.ServiceProvider) error {
	return upsertBatched(ctx, s.db, "service_providers",
		`INSERT INTO service_providers(id, first_name, last_name, city, street, house_number, lon, lat, max_driving_distance)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET first_name=EXCLUDED.first_name, last_name=EXCLUDED.last_name, city=EXCLUDED.city,
			street=EXCLUDED.street, house_number=EXCLUDED.house_number, lon=EXCLUDED.lon, lat=EXCLUDED.lat,
			max_driving_distance=EXCLUDED.max_driving_distance, updated_at=now()`,
		ps, func(p model.ServiceProvider) []any {
			lon, lat := p.Point.Degrees()
			return []any{int64(p.ID), p.FirstName, p.LastName, p.City, p.Street, p.HouseNumber, lon, lat, int64(p.MaxDrivingDistance)}
		})
}

// UpsertQualityFactors：按 profile_id 写入或覆盖
func (s *Store) UpsertQualityFactors(ctx context.Context, qs []model.QualityFactor) error {
	return upsertBatched(ctx, s.db, "quality_factors", upsertQualitySQL, qs, func(q model.QualityFactor) []any {
			return []any{int64(q.ProfileID), q.PictureScore, q.DescriptionScore}
		})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const (
	updateProviderSQL = "UPDATE service_providers SET max_driving_distance=$2, updated_at=now() WHERE id=$1"
	upsertQualitySQL  = `INSERT INTO quality_factors(profile_id, profile_picture_score, profile_description_score) VALUES($1,$2,$3)
		ON CONFLICT (profile_id) DO UPDATE SET profile_picture_score=EXCLUDED.profile_picture_score,
			profile_description_score=EXCLUDED.profile_description_score, updated_at=now()`
)

// 文档注释：回写一次服务商更新（距离与质量分）
// 约束：单事务内完成；服务商行不存在时返回 sql.ErrNoRows；q 为 nil 时不写 quality_factors
func (s *Store) SaveProviderUpdate(ctx context.Context, id uint32, maxDist uint64, q *model.QualityFactor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := saveProviderUpdate(ctx, tx, id, maxDist, q); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logger.L().Debug("db_provider_update_saved", "id", id, "quality", q != nil)
	return nil
}

func saveProviderUpdate(ctx context.Context, tx execer, id uint32, maxDist uint64, q *model.QualityFactor) error {
	res, err := tx.ExecContext(ctx, updateProviderSQL, int64(id), int64(maxDist))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	if q == nil {
		return nil
	}
	_, err = tx.ExecContext(ctx, upsertQualitySQL, int64(id), q.PictureScore, q.DescriptionScore)
	return err
}
