// 包 geo：球面距离与服务范围包围盒，纯函数无状态；坐标统一为弧度
package geo

import "math"

// EarthRadius：地球平均半径（米）
const EarthRadius = 6371000.0

// Point：经纬度坐标（弧度）
// 约束：Lon ∈ [-π, π]，Lat ∈ [-π/2, π/2]；入口处由 FromDegrees 一次性转换
type Point struct {
	Lon float64
	Lat float64
}

// FromDegrees：角度转弧度
func FromDegrees(lon, lat float64) Point {
	return Point{Lon: lon * math.Pi / 180, Lat: lat * math.Pi / 180}
}

// Degrees：返回角度制的经度与纬度，用于输出与日志
func (p Point) Degrees() (lon, lat float64) {
	return p.Lon * 180 / math.Pi, p.Lat * 180 / math.Pi
}

func clampUnit(x float64) float64 {
	if x > 1 {
		return 1
	}
	if x < -1 {
		return -1
	}
	return x
}

// 文档注释：大圆距离（球面余弦定理），返回米
// 约束：acos 参数先截断到 [-1, 1]，相同点与对跖点附近的浮点误差不会产生 NaN
func Distance(a, b Point) float64 {
	if a == b {
		return 0
	}
	x := math.Sin(a.Lat)*math.Sin(b.Lat) + math.Cos(a.Lat)*math.Cos(b.Lat)*math.Cos(a.Lon-b.Lon)
	return math.Acos(clampUnit(x)) * EarthRadius
}

// 文档注释：服务圆盘的经纬度外接包围盒
// 约束：结果只用于剪枝，必须是圆盘的超集；触及极点或跨越 ±180° 经线时经度放宽到 [-π, π]
func Envelope(center Point, radiusM float64) (min, max Point) {
	if radiusM < 0 {
		radiusM = 0
	}
	ang := radiusM / EarthRadius
	minLat := center.Lat - ang
	maxLat := center.Lat + ang

	fullLon := false
	var dLon float64
	if minLat <= -math.Pi/2 || maxLat >= math.Pi/2 || ang >= math.Pi/2 {
		fullLon = true
	} else {
		cosLat := math.Cos(center.Lat)
		ratio := 1.0
		if cosLat > 0 {
			ratio = math.Sin(ang) / cosLat
		}
		if ratio >= 1 {
			fullLon = true
		} else {
			dLon = math.Asin(clampUnit(ratio))
		}
	}

	minLat = math.Max(minLat, -math.Pi/2)
	maxLat = math.Min(maxLat, math.Pi/2)
	minLon, maxLon := center.Lon-dLon, center.Lon+dLon
	if fullLon || minLon < -math.Pi || maxLon > math.Pi {
		minLon, maxLon = -math.Pi, math.Pi
	}
	return Point{Lon: minLon, Lat: minLat}, Point{Lon: maxLon, Lat: maxLat}
}

// Contains：点是否落在包围盒内（含边界）
func Contains(min, max, p Point) bool {
	return p.Lon >= min.Lon && p.Lon <= max.Lon && p.Lat >= min.Lat && p.Lat <= max.Lat
}

// Offset：沿给定方位角（弧度，正北为 0）移动 distM 米后的点
// 用于构造测试与校验数据；经度归一化到 [-π, π]
func Offset(p Point, bearing, distM float64) Point {
	ang := distM / EarthRadius
	lat := math.Asin(clampUnit(math.Sin(p.Lat)*math.Cos(ang) + math.Cos(p.Lat)*math.Sin(ang)*math.Cos(bearing)))
	lon := p.Lon + math.Atan2(math.Sin(bearing)*math.Sin(ang)*math.Cos(p.Lat), math.Cos(ang)-math.Sin(p.Lat)*math.Sin(lat))
	lon = math.Mod(lon+3*math.Pi, 2*math.Pi) - math.Pi
	return Point{Lon: lon, Lat: lat}
}
