// 包 model：邮编、服务商、质量分等核心数据结构
package model

import (
	"errors"
	"strings"

	"craftsmen-api/internal/geo"
)

// DistanceGroup：邮编的距离分组，决定查询使用哪一层索引
type DistanceGroup int

const (
	GroupA DistanceGroup = iota
	GroupB
	GroupC
)

var ErrBadGroup = errors.New("invalid postcode extension distance group")

// ParseGroup：解析数据文件中的分组字符串（group_a / group_b / group_c）
func ParseGroup(s string) (DistanceGroup, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "group_a":
		return GroupA, nil
	case "group_b":
		return GroupB, nil
	case "group_c":
		return GroupC, nil
	}
	return 0, ErrBadGroup
}

func (g DistanceGroup) String() string {
	switch g {
	case GroupA:
		return "group_a"
	case GroupB:
		return "group_b"
	case GroupC:
		return "group_c"
	}
	return "unknown"
}

// PostalCode：邮编，加载后只读
type PostalCode struct {
	Code  uint32
	Point geo.Point
	Group DistanceGroup
}

// QualityFactor：资料质量分，分值范围 [0,1]
type QualityFactor struct {
	ProfileID        uint32
	PictureScore     float64
	DescriptionScore float64
}

// Score：0.4·描述分 + 0.6·头像分
func (q QualityFactor) Score() float64 {
	return 0.4*q.DescriptionScore + 0.6*q.PictureScore
}

// ServiceProvider：服务商档案
// 约束：MaxDrivingDistance 为几何计算的唯一依据（米）；地址字段仅用于展示
type ServiceProvider struct {
	ID                 uint32
	FirstName          string
	LastName           string
	City               string
	Street             string
	HouseNumber        string
	Point              geo.Point
	MaxDrivingDistance uint64
}

// DisplayName：展示名（名 + 空格 + 姓）
func (p ServiceProvider) DisplayName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// RankedResult：对外排序结果；RankingScore 的含义随排序方式不同，不可跨方式比较
type RankedResult struct {
	ID           uint32  `json:"id"`
	Name         string  `json:"name"`
	RankingScore float64 `json:"rankingScore"`
}

// PostcodeInfo：邮编文本检索用的展示信息（角度制坐标）
type PostcodeInfo struct {
	Zipcode   uint32  `json:"zipcode"`
	Place     string  `json:"place"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Dataset：启动时一次性加载的三份数据，均以主键索引
type Dataset struct {
	Postcodes map[uint32]PostalCode
	Quality   map[uint32]QualityFactor
	Providers map[uint32]ServiceProvider
}
