// 包 engine：匹配引擎（Map），持有邮编/质量分/服务商数据与三层索引，提供排序查询与更新
package engine

import (
	"errors"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"craftsmen-api/internal/geo"
	"craftsmen-api/internal/logger"
	"craftsmen-api/internal/metrics"
	"craftsmen-api/internal/model"
	"craftsmen-api/internal/spatial"
	"craftsmen-api/internal/tiered"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidScore = errors.New("score must be within [0,1]")
)

const (
	// 距离分满分衰减距离（米）
	DefaultDistance = 80000.0
	nearWeight      = 0.15
	farWeight       = 0.01
	DefaultPageSize = 20
)

// SortMode：排序方式
type SortMode int

const (
	SortScore SortMode = iota
	SortDistance
	SortProfile
)

// ParseSortMode：distance / profile，其余（含空串）为综合分
func ParseSortMode(s string) SortMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "distance":
		return SortDistance
	case "profile":
		return SortProfile
	}
	return SortScore
}

func (m SortMode) String() string {
	switch m {
	case SortDistance:
		return "distance"
	case SortProfile:
		return "profile"
	}
	return "score"
}

// Ranking：排序结果；Missing 为因缺少质量分而未参与排序的服务商 ID
type Ranking struct {
	Results []model.RankedResult
	Missing []uint32
}

// 文档注释：匹配引擎
// 约束：读操作共享读锁；AddServiceProvider / UpdateServiceProvider 持写锁，释放后所有读可见（含索引成员）
type Map struct {
	mu         sync.RWMutex
	postcodes  map[uint32]model.PostalCode
	quality    map[uint32]model.QualityFactor
	providers  map[uint32]model.ServiceProvider
	tiers      *tiered.Set
	generation uint64
	// epoch：每次构建随机生成，与 generation 一起区分不同进程的状态
	epoch string
}

// 文档注释：构建引擎，接管数据集中的各个 map，并批量构建三层索引
func New(ds model.Dataset, buffers tiered.Buffers) *Map {
	start := time.Now()
	m := &Map{
		postcodes: ds.Postcodes,
		quality:   ds.Quality,
		providers: ds.Providers,
		epoch:     uuid.NewString(),
	}
	if m.postcodes == nil {
		m.postcodes = map[uint32]model.PostalCode{}
	}
	if m.quality == nil {
		m.quality = map[uint32]model.QualityFactor{}
	}
	if m.providers == nil {
		m.providers = map[uint32]model.ServiceProvider{}
	}
	ps := make([]model.ServiceProvider, 0, len(m.providers))
	for _, p := range m.providers {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
	m.tiers = tiered.Build(ps, buffers)

	metrics.ProvidersLoaded.Set(float64(len(m.providers)))
	logger.L().Info("engine_built",
		"postcodes", len(m.postcodes),
		"providers", len(m.providers),
		"quality", len(m.quality),
		"epoch", m.epoch,
		"buffer_a", buffers.A, "buffer_b", buffers.B, "buffer_c", buffers.C,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return m
}

// PostalCode：按邮编取记录
func (m *Map) PostalCode(code uint32) (model.PostalCode, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pc, ok := m.postcodes[code]
	return pc, ok
}

// ServiceProviderByID：按 ID 取服务商档案
func (m *Map) ServiceProviderByID(id uint32) (model.ServiceProvider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[id]
	return p, ok
}

// QualityFactor：按服务商 ID 取质量分
func (m *Map) QualityFactor(id uint32) (model.QualityFactor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.quality[id]
	return q, ok
}

// Generation：每次成功变更后递增，用作响应缓存键的一部分
func (m *Map) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// Version：进程级 epoch 与当前 generation，二者一起标识一份可缓存的状态
func (m *Map) Version() (string, uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch, m.generation
}

// Stats：数据规模，用于健康检查
type Stats struct {
	Postcodes  int    `json:"postcodes"`
	Providers  int    `json:"providers"`
	Quality    int    `json:"quality"`
	Generation uint64 `json:"generation"`
}

func (m *Map) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{Postcodes: len(m.postcodes), Providers: len(m.providers), Quality: len(m.quality), Generation: m.generation}
}

// candidates：调用方需持有读锁
func (m *Map) candidates(code uint32) (model.PostalCode, []*spatial.Entry, error) {
	pc, ok := m.postcodes[code]
	if !ok {
		return model.PostalCode{}, nil, ErrNotFound
	}
	return pc, m.tiers.Query(pc.Group, pc.Point), nil
}

// 文档注释：覆盖该邮编的服务商（按 ID 升序）
// 返回：条目快照副本；邮编不存在时返回 ErrNotFound
func (m *Map) ProvidersInRange(code uint32) ([]spatial.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, es, err := m.candidates(code)
	if err != nil {
		return nil, err
	}
	out := make([]spatial.Entry, 0, len(es))
	for _, e := range es {
		out = append(out, *e)
	}
	return out, nil
}

// scoreFor：综合分 = w·(1 − d/80000) + (1 − w)·quality，d ≤ 80000 时 w=0.15，否则 0.01
func scoreFor(distance, quality float64) float64 {
	w := nearWeight
	if distance > DefaultDistance {
		w = farWeight
	}
	return w*(1-distance/DefaultDistance) + (1-w)*quality
}

// rank：在读锁内计算分值，锁外排序
func (m *Map) rank(code uint32, mode SortMode) (Ranking, error) {
	m.mu.RLock()
	pc, es, err := m.candidates(code)
	if err != nil {
		m.mu.RUnlock()
		return Ranking{}, err
	}
	var r Ranking
	r.Results = make([]model.RankedResult, 0, len(es))
	for _, e := range es {
		res := model.RankedResult{ID: e.ID, Name: e.Name}
		switch mode {
		case SortDistance:
			res.RankingScore = geo.Distance(e.Center, pc.Point)
		default:
			q, ok := m.quality[e.ID]
			if !ok {
				r.Missing = append(r.Missing, e.ID)
				continue
			}
			if mode == SortProfile {
				res.RankingScore = q.Score()
			} else {
				res.RankingScore = scoreFor(geo.Distance(e.Center, pc.Point), q.Score())
			}
		}
		r.Results = append(r.Results, res)
	}
	m.mu.RUnlock()

	if len(r.Missing) > 0 {
		metrics.MissingQualityTotal.Add(float64(len(r.Missing)))
		logger.L().Warn("quality_factor_missing", "postcode", code, "mode", mode.String(), "ids", r.Missing)
	}

	asc := mode == SortDistance
	sort.SliceStable(r.Results, func(i, j int) bool {
		a, b := r.Results[i], r.Results[j]
		if a.RankingScore != b.RankingScore {
			if asc {
				return a.RankingScore < b.RankingScore
			}
			return a.RankingScore > b.RankingScore
		}
		return a.ID < b.ID
	})
	return r, nil
}

// RankedByScore：综合分降序，同分按 ID 升序
func (m *Map) RankedByScore(code uint32) (Ranking, error) { return m.rank(code, SortScore) }

// RankedByDistance：距离（米）升序，同距离按 ID 升序
func (m *Map) RankedByDistance(code uint32) (Ranking, error) { return m.rank(code, SortDistance) }

// RankedByProfile：质量分降序，同分按 ID 升序
func (m *Map) RankedByProfile(code uint32) (Ranking, error) { return m.rank(code, SortProfile) }

// Ranked：按排序方式分派
func (m *Map) Ranked(code uint32, mode SortMode) (Ranking, error) { return m.rank(code, mode) }

// Page：分页结果
type Page struct {
	Results []model.RankedResult
	HasMore bool
	Total   int
}

// 文档注释：分页
// 约束：越界页返回空切片且 HasMore=false，不报错；pageSize ≤ 0 时取 DefaultPageSize
func Paginate(list []model.RankedResult, page uint32, pageSize int) Page {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	total := len(list)
	start := uint64(page) * uint64(pageSize)
	if start >= uint64(total) {
		return Page{Results: []model.RankedResult{}, Total: total}
	}
	end := start + uint64(pageSize)
	if end > uint64(total) {
		end = uint64(total)
	}
	return Page{
		Results: list[start:end],
		HasMore: uint64(total) > start+uint64(pageSize),
		Total:   total,
	}
}

// Update：可选更新字段，nil 表示保持不变
type Update struct {
	MaxDrivingDistance *uint64
	PictureScore       *float64
	DescriptionScore   *float64
}

// Applied：更新后实际保存的值
// 约束：服务商没有质量分记录时两个分值为 nil；Changed 表示本次调用是否修改了状态
type Applied struct {
	MaxDrivingDistance uint64   `json:"maxDrivingDistance"`
	PictureScore       *float64 `json:"profilePictureScore"`
	DescriptionScore   *float64 `json:"profileDescriptionScore"`
	Changed            bool     `json:"-"`
}

// Quality：更新后的质量分记录；没有记录时返回 nil
func (a Applied) Quality(id uint32) *model.QualityFactor {
	if a.PictureScore == nil || a.DescriptionScore == nil {
		return nil
	}
	return &model.QualityFactor{ProfileID: id, PictureScore: *a.PictureScore, DescriptionScore: *a.DescriptionScore}
}

func validScore(p *float64) bool {
	return p == nil || (!math.IsNaN(*p) && *p >= 0 && *p <= 1)
}

// 文档注释：更新服务商的最大行驶距离与质量分
// 约束：距离变化时在三层索引中重建该服务商条目；服务商没有质量分记录时，仅在给出分值时新建（未给出的分值为 0）
// 返回：更新后的值；ID 不存在返回 ErrNotFound，分值越界返回 ErrInvalidScore
func (m *Map) UpdateServiceProvider(id uint32, u Update) (Applied, error) {
	if !validScore(u.PictureScore) || !validScore(u.DescriptionScore) {
		return Applied{}, ErrInvalidScore
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.providers[id]
	if !ok {
		return Applied{}, ErrNotFound
	}
	changed := false
	if u.MaxDrivingDistance != nil && *u.MaxDrivingDistance != p.MaxDrivingDistance {
		p.MaxDrivingDistance = *u.MaxDrivingDistance
		m.providers[id] = p
		m.tiers.Replace(p)
		changed = true
	}
	q, hasQ := m.quality[id]
	if u.PictureScore != nil || u.DescriptionScore != nil {
		prev := q
		if !hasQ {
			q = model.QualityFactor{ProfileID: id}
		}
		if u.PictureScore != nil {
			q.PictureScore = *u.PictureScore
		}
		if u.DescriptionScore != nil {
			q.DescriptionScore = *u.DescriptionScore
		}
		if !hasQ || q != prev {
			m.quality[id] = q
			hasQ = true
			changed = true
		}
	}
	if changed {
		m.generation++
	}
	logger.L().Info("provider_updated", "id", id, "changed", changed, "has_quality", hasQ,
		"max_driving_distance", p.MaxDrivingDistance, "picture", q.PictureScore, "description", q.DescriptionScore)
	a := Applied{MaxDrivingDistance: p.MaxDrivingDistance, Changed: changed}
	if hasQ {
		a.PictureScore, a.DescriptionScore = &q.PictureScore, &q.DescriptionScore
	}
	return a, nil
}

// 文档注释：新增服务商并写入三层索引
// 约束：同 ID 再次调用会替换档案与索引条目，不会产生重复条目
func (m *Map) AddServiceProvider(p model.ServiceProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.ID] = p
	m.tiers.Insert(p)
	m.generation++
	metrics.ProvidersLoaded.Set(float64(len(m.providers)))
	logger.L().Info("provider_added", "id", p.ID, "max_driving_distance", p.MaxDrivingDistance)
}

// PutQualityFactor：写入或替换服务商的质量分
func (m *Map) PutQualityFactor(q model.QualityFactor) error {
	if !validScore(&q.PictureScore) || !validScore(&q.DescriptionScore) {
		return ErrInvalidScore
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quality[q.ProfileID] = q
	m.generation++
	return nil
}
