// 包 spatial：服务商覆盖范围的 R-Tree 索引（按点查询覆盖该点的服务商）
package spatial

import (
	"sort"

	"craftsmen-api/internal/geo"

	"github.com/dhconnelly/rtreego"
)

const (
	dims        = 2
	minChildren = 25
	maxChildren = 50
	// 包围盒外扩量（弧度，约 6mm）；rtreego 不接受零边长矩形且边界相切不算相交
	pad = 1e-9
)

// 文档注释：索引条目（某服务商在某一层级的只读快照）
// 约束：Radius 为有效半径（基础距离 + 层级缓冲）；条目只归属一个 Index，服务商变化时整体重建而非原地修改
type Entry struct {
	ID     uint32
	Name   string
	Center geo.Point
	Min    geo.Point
	Max    geo.Point
	Radius float64
	rect   rtreego.Rect
}

// NewEntry：按中心与有效半径生成条目及其包围盒
func NewEntry(id uint32, name string, center geo.Point, radiusM float64) *Entry {
	if radiusM < 0 {
		radiusM = 0
	}
	min, max := geo.Envelope(center, radiusM)
	rect, _ := rtreego.NewRect(
		rtreego.Point{min.Lon - pad, min.Lat - pad},
		[]float64{max.Lon - min.Lon + 2*pad, max.Lat - min.Lat + 2*pad},
	)
	return &Entry{ID: id, Name: name, Center: center, Min: min, Max: max, Radius: radiusM, rect: rect}
}

func (e *Entry) Bounds() rtreego.Rect { return e.rect }

// Covers：精确判定（大圆距离不超过有效半径）
func (e *Entry) Covers(p geo.Point) bool {
	return geo.Distance(e.Center, p) <= e.Radius
}

// 文档注释：R-Tree 索引
// 约束：非并发安全，由上层读写锁保护；同一 ID 只保留一个条目
type Index struct {
	tree *rtreego.Rtree
	byID map[uint32]*Entry
}

// 文档注释：批量构建（bulk load）
// 约束：重复 ID 以后出现者为准
func Build(entries []*Entry) *Index {
	byID := make(map[uint32]*Entry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}
	objs := make([]rtreego.Spatial, 0, len(byID))
	for _, e := range byID {
		objs = append(objs, e)
	}
	return &Index{tree: rtreego.NewTree(dims, minChildren, maxChildren, objs...), byID: byID}
}

// Insert：增量插入；已存在同 ID 条目时先移除旧条目
func (ix *Index) Insert(e *Entry) {
	ix.Remove(e.ID)
	ix.tree.Insert(e)
	ix.byID[e.ID] = e
}

// Remove：按服务商 ID 删除条目，返回是否存在
func (ix *Index) Remove(id uint32) bool {
	old, ok := ix.byID[id]
	if !ok {
		return false
	}
	ix.tree.Delete(old)
	delete(ix.byID, id)
	return true
}

// Get：按 ID 取条目
func (ix *Index) Get(id uint32) (*Entry, bool) {
	e, ok := ix.byID[id]
	return e, ok
}

func (ix *Index) Len() int { return len(ix.byID) }

// 文档注释：点查询
// 返回：有效半径覆盖 p 的全部条目（精确，按 ID 升序）；包围盒只做剪枝
func (ix *Index) QueryPoint(p geo.Point) []*Entry {
	q, _ := rtreego.NewRect(rtreego.Point{p.Lon - pad, p.Lat - pad}, []float64{2 * pad, 2 * pad})
	cands := ix.tree.SearchIntersect(q)
	out := make([]*Entry, 0, len(cands))
	for _, c := range cands {
		e := c.(*Entry)
		if e.Covers(p) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
