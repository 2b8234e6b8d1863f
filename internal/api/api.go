// 包 api：集中注册 HTTP API 路由，主入口挂载到 API_BASE 前缀
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"craftsmen-api/internal/engine"
	"craftsmen-api/internal/logger"
	"craftsmen-api/internal/metrics"
	"craftsmen-api/internal/model"
	"craftsmen-api/internal/search"

	"github.com/redis/go-redis/v9"
)

const maxBodyBytes = 1 << 20

// Persister：更新成功后回写持久层（DATA_SOURCE=postgres 时为 store.Store）
// 约束：q 为 nil 表示该服务商没有质量分记录，持久层不得写入质量分
type Persister interface {
	SaveProviderUpdate(ctx context.Context, id uint32, maxDist uint64, q *model.QualityFactor) error
}

// Config：路由可选项，零值可用
type Config struct {
	PageSize int
	CacheTTL time.Duration
	Persist  Persister
	// UpdateGuard：包裹 PATCH 路由（来源白名单）
	UpdateGuard func(http.Handler) http.Handler
}

type server struct {
	eng      *engine.Map
	cache    *Cache
	search   *search.Index
	pageSize int
	persist  Persister
}

// 构建并返回 API 路由：独立 ServeMux，rc 与 idx 均可为 nil
func BuildRoutes(eng *engine.Map, rc *redis.Client, idx *search.Index, cfg Config) *http.ServeMux {
	s := &server{
		eng:      eng,
		cache:    NewCache(rc, cfg.CacheTTL),
		search:   idx,
		pageSize: cfg.PageSize,
		persist:  cfg.Persist,
	}
	if s.pageSize <= 0 {
		s.pageSize = engine.DefaultPageSize
	}
	guard := cfg.UpdateGuard
	if guard == nil {
		guard = func(h http.Handler) http.Handler { return h }
	}

	mux := http.NewServeMux()
	mux.Handle("GET /craftsmen", instrument("craftsmen", s.handleCraftsmen))
	mux.Handle("GET /craftsmen/detailed", instrument("craftsmen_detailed", s.handleDetailed))
	mux.Handle("GET /craftman/{id}", instrument("craftman_get", s.handleGetProvider))
	mux.Handle("PATCH /craftman/{id}", guard(instrument("craftman_patch", s.handlePatchProvider)))
	mux.Handle("GET /zipcode/search", instrument("zipcode_search", s.handleZipcodeSearch))
	mux.Handle("GET /healthz", instrument("healthz", s.handleHealth))
	return mux
}

func instrument(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		metrics.RequestsTotal.WithLabelValues(route).Inc()
		h(w, r)
		metrics.RequestDurationMs.WithLabelValues(route).Observe(float64(time.Since(start).Milliseconds()))
	})
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.Header().Set("cache-control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		logger.L().Error("json_encode_error", "err", err)
		writeRaw(w, http.StatusInternalServerError, []byte(`{"error":"internal error"}`))
		return
	}
	writeRaw(w, status, append(b, '\n'))
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseUint32：仅接受十进制无符号整数
func parseUint32(s string) (uint32, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

func parseSort(s string) (engine.SortMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "score", "distance", "profile":
		return engine.ParseSortMode(s), true
	}
	return engine.SortScore, false
}

type craftsmenResponse struct {
	Craftsmen []model.RankedResult `json:"craftsmen"`
}

type detailedResponse struct {
	Craftsmen []model.RankedResult `json:"craftsmen"`
	HasMore   bool                 `json:"hasMore"`
	Total     int                  `json:"total"`
	Page      uint32               `json:"page"`
}

// ranked：未知邮编视为空结果
func (s *server) ranked(code uint32, mode engine.SortMode) ([]model.RankedResult, error) {
	r, err := s.eng.Ranked(code, mode)
	if errors.Is(err, engine.ErrNotFound) {
		metrics.UnknownPostcodeTotal.Inc()
		return []model.RankedResult{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(r.Results) == 0 {
		metrics.EmptyResultsTotal.Inc()
	}
	return r.Results, nil
}

// serveCached：命中缓存直接返回；未命中时计算、写回并返回
func (s *server) serveCached(w http.ResponseWriter, r *http.Request, key string, build func() (any, error)) {
	if body, ok := s.cache.Get(r.Context(), key); ok {
		w.Header().Set("x-cache", "HIT")
		writeRaw(w, http.StatusOK, body)
		return
	}
	v, err := build()
	if err != nil {
		logger.L().Error("ranking_error", "err", err, "request_id", logger.RequestID(r.Context()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		logger.L().Error("json_encode_error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	b = append(b, '\n')
	s.cache.Set(r.Context(), key, b)
	if s.cache.Enabled() {
		w.Header().Set("x-cache", "MISS")
	}
	writeRaw(w, http.StatusOK, b)
}

// GET /craftsmen?postalcode=N：按综合分排序的全部结果
func (s *server) handleCraftsmen(w http.ResponseWriter, r *http.Request) {
	code, ok := parseUint32(r.URL.Query().Get("postalcode"))
	if !ok {
		writeError(w, http.StatusBadRequest, "postalcode must be a non-negative integer")
		return
	}
	epoch, gen := s.eng.Version()
	key := cacheKey(epoch, gen, code, engine.SortScore, "all")
	s.serveCached(w, r, key, func() (any, error) {
		res, err := s.ranked(code, engine.SortScore)
		if err != nil {
			return nil, err
		}
		return craftsmenResponse{Craftsmen: res}, nil
	})
}

// GET /craftsmen/detailed?postalcode=N&page=P&sort=distance|profile|score
func (s *server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code, ok := parseUint32(q.Get("postalcode"))
	if !ok {
		writeError(w, http.StatusBadRequest, "postalcode must be a non-negative integer")
		return
	}
	var page uint32
	if p := q.Get("page"); p != "" {
		if page, ok = parseUint32(p); !ok {
			writeError(w, http.StatusBadRequest, "page must be a non-negative integer")
			return
		}
	}
	mode, ok := parseSort(q.Get("sort"))
	if !ok {
		writeError(w, http.StatusBadRequest, "sort must be one of distance, profile, score")
		return
	}
	epoch, gen := s.eng.Version()
	key := cacheKey(epoch, gen, code, mode, strconv.FormatUint(uint64(page), 10))
	s.serveCached(w, r, key, func() (any, error) {
		res, err := s.ranked(code, mode)
		if err != nil {
			return nil, err
		}
		pg := engine.Paginate(res, page, s.pageSize)
		return detailedResponse{Craftsmen: pg.Results, HasMore: pg.HasMore, Total: pg.Total, Page: page}, nil
	})
}

type qualityView struct {
	PictureScore     float64 `json:"profilePictureScore"`
	DescriptionScore float64 `json:"profileDescriptionScore"`
	ProfileScore     float64 `json:"profileScore"`
}

type providerView struct {
	ID                 uint32       `json:"id"`
	Name               string       `json:"name"`
	FirstName          string       `json:"firstName"`
	LastName           string       `json:"lastName"`
	City               string       `json:"city"`
	Street             string       `json:"street"`
	HouseNumber        string       `json:"houseNumber"`
	Lon                float64      `json:"lon"`
	Lat                float64      `json:"lat"`
	MaxDrivingDistance uint64       `json:"maxDrivingDistance"`
	Quality            *qualityView `json:"quality"`
}

// GET /craftman/{id}
func (s *server) handleGetProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUint32(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusBadRequest, "id must be a non-negative integer")
		return
	}
	p, ok := s.eng.ServiceProviderByID(id)
	if !ok {
		writeError(w, http.StatusNotFound, "craftman not found")
		return
	}
	lon, lat := p.Point.Degrees()
	v := providerView{
		ID:                 p.ID,
		Name:               p.DisplayName(),
		FirstName:          p.FirstName,
		LastName:           p.LastName,
		City:               p.City,
		Street:             p.Street,
		HouseNumber:        p.HouseNumber,
		Lon:                lon,
		Lat:                lat,
		MaxDrivingDistance: p.MaxDrivingDistance,
	}
	if q, ok := s.eng.QualityFactor(id); ok {
		v.Quality = &qualityView{PictureScore: q.PictureScore, DescriptionScore: q.DescriptionScore, ProfileScore: q.Score()}
	}
	writeJSON(w, http.StatusOK, v)
}

type patchRequest struct {
	MaxDrivingDistance      *int64   `json:"maxDrivingDistance"`
	ProfilePictureScore     *float64 `json:"profilePictureScore"`
	ProfileDescriptionScore *float64 `json:"profileDescriptionScore"`
}

type patchResponse struct {
	ID      uint32         `json:"id"`
	Updated engine.Applied `json:"updated"`
}

func inUnit(p *float64) bool { return p == nil || (*p >= 0 && *p <= 1) }

// 文档注释：PATCH /craftman/{id}
// 约束：缺省字段保持不变；距离为负或分值超出 [0,1] 返回 400；未知 ID 返回 404；
// 回写持久层失败只记录日志，内存状态以本次更新为准
func (s *server) handlePatchProvider(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUint32(r.PathValue("id"))
	if !ok {
		metrics.UpdatesTotal.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "id must be a non-negative integer")
		return
	}
	var req patchRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	raw, err := io.ReadAll(body)
	if err != nil {
		metrics.UpdatesTotal.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &req); err != nil {
			metrics.UpdatesTotal.WithLabelValues("invalid").Inc()
			writeError(w, http.StatusBadRequest, "malformed body")
			return
		}
	}
	if req.MaxDrivingDistance != nil && *req.MaxDrivingDistance < 0 {
		metrics.UpdatesTotal.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "maxDrivingDistance must be non-negative")
		return
	}
	if !inUnit(req.ProfilePictureScore) || !inUnit(req.ProfileDescriptionScore) {
		metrics.UpdatesTotal.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "scores must be within [0,1]")
		return
	}

	u := engine.Update{PictureScore: req.ProfilePictureScore, DescriptionScore: req.ProfileDescriptionScore}
	if req.MaxDrivingDistance != nil {
		d := uint64(*req.MaxDrivingDistance)
		u.MaxDrivingDistance = &d
	}
	applied, err := s.eng.UpdateServiceProvider(id, u)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		metrics.UpdatesTotal.WithLabelValues("not_found").Inc()
		writeError(w, http.StatusNotFound, "craftman not found")
		return
	case errors.Is(err, engine.ErrInvalidScore):
		metrics.UpdatesTotal.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		metrics.UpdatesTotal.WithLabelValues("error").Inc()
		logger.L().Error("update_error", "id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	outcome := "ok"
	if !applied.Changed {
		outcome = "unchanged"
	} else if s.persist != nil {
		if err := s.persist.SaveProviderUpdate(r.Context(), id, applied.MaxDrivingDistance, applied.Quality(id)); err != nil {
			outcome = "persist_failed"
			logger.L().Error("update_persist_error", "id", id, "err", err, "request_id", logger.RequestID(r.Context()))
		}
	}
	metrics.UpdatesTotal.WithLabelValues(outcome).Inc()
	writeJSON(w, http.StatusOK, patchResponse{ID: id, Updated: applied})
}

// GET /zipcode/search?q=...
func (s *server) handleZipcodeSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	writeJSON(w, http.StatusOK, s.search.Search(q, search.DefaultLimit))
}

type healthResponse struct {
	OK bool `json:"ok"`
	engine.Stats
}

// GET /healthz
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{OK: true, Stats: s.eng.Stats()})
}
