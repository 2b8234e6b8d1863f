// 包 tiered：三层预扩半径索引（A/B/C），按邮编距离分组选择其一做精确点查询
package tiered

import (
	"os"
	"strconv"

	"craftsmen-api/internal/geo"
	"craftsmen-api/internal/logger"
	"craftsmen-api/internal/model"
	"craftsmen-api/internal/spatial"
)

// 文档注释：各层缓冲距离（米）
// 约束：每层有效半径 = 服务商基础距离 + 本层缓冲，三层独立推导，不做累加
type Buffers struct {
	A float64
	B float64
	C float64
}

// DefaultBuffers：0 / 2000 / 5000 米
var DefaultBuffers = Buffers{A: 0, B: 2000, C: 5000}

// For：返回分组对应的缓冲距离
func (b Buffers) For(g model.DistanceGroup) float64 {
	switch g {
	case model.GroupB:
		return b.B
	case model.GroupC:
		return b.C
	}
	return b.A
}

// 文档注释：从环境变量读取缓冲距离
// 约束：TIER_BUFFER_A_M / TIER_BUFFER_B_M / TIER_BUFFER_C_M；解析失败或为负时保留默认值
func BuffersFromEnv() Buffers {
	b := DefaultBuffers
	read := func(key string, dst *float64) {
		if s := os.Getenv(key); s != "" {
			if f, err := strconv.ParseFloat(s, 64); err == nil && f >= 0 {
				*dst = f
			} else {
				logger.L().Warn("tier_buffer_invalid", "key", key, "value", s)
			}
		}
	}
	read("TIER_BUFFER_A_M", &b.A)
	read("TIER_BUFFER_B_M", &b.B)
	read("TIER_BUFFER_C_M", &b.C)
	return b
}

var groups = [3]model.DistanceGroup{model.GroupA, model.GroupB, model.GroupC}

// Set：三层索引集合；非并发安全，由引擎的读写锁保护
type Set struct {
	buffers Buffers
	tiers   [3]*spatial.Index
}

func entryFor(p model.ServiceProvider, buffer float64) *spatial.Entry {
	return spatial.NewEntry(p.ID, p.DisplayName(), p.Point, float64(p.MaxDrivingDistance)+buffer)
}

// Build：由全量服务商批量构建三层索引
func Build(providers []model.ServiceProvider, b Buffers) *Set {
	s := &Set{buffers: b}
	for i, g := range groups {
		buf := b.For(g)
		entries := make([]*spatial.Entry, 0, len(providers))
		for _, p := range providers {
			entries = append(entries, entryFor(p, buf))
		}
		s.tiers[i] = spatial.Build(entries)
	}
	return s
}

// Insert：把同一服务商写入三层，已存在时替换
func (s *Set) Insert(p model.ServiceProvider) {
	for i, g := range groups {
		s.tiers[i].Insert(entryFor(p, s.buffers.For(g)))
	}
}

// Replace：服务商几何变化后重建其三层条目
func (s *Set) Replace(p model.ServiceProvider) { s.Insert(p) }

// Remove：从三层移除服务商，返回是否在任一层存在
func (s *Set) Remove(id uint32) bool {
	found := false
	for _, ix := range s.tiers {
		if ix.Remove(id) {
			found = true
		}
	}
	return found
}

// Index：返回分组对应的索引
func (s *Set) Index(g model.DistanceGroup) *spatial.Index {
	switch g {
	case model.GroupB:
		return s.tiers[1]
	case model.GroupC:
		return s.tiers[2]
	}
	return s.tiers[0]
}

// Query：在分组对应层做精确点查询
func (s *Set) Query(g model.DistanceGroup, p geo.Point) []*spatial.Entry {
	return s.Index(g).QueryPoint(p)
}

func (s *Set) Buffers() Buffers { return s.buffers }
