// 包 dataset：从 JSON 数据文件加载邮编、服务商与质量分；任何解析或校验错误都返回给调用方（启动失败）
package dataset

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"craftsmen-api/internal/geo"
	"craftsmen-api/internal/logger"
	"craftsmen-api/internal/model"
)

// 数据目录中的约定文件名
const (
	PostcodeFile     = "postcode.json"
	ProviderFile     = "service_provider_profile.json"
	QualityFile      = "quality_factor_score.json"
	PostcodeInfoFile = "zipcodes.de.json"
)

// flexUint：兼容 "10115" 与 10115 两种写法
type flexUint uint32

func (f *flexUint) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return fmt.Errorf("bad unsigned integer %s: %w", b, err)
	}
	*f = flexUint(n)
	return nil
}

// flexFloat：兼容 "48.1" 与 48.1 两种写法
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return fmt.Errorf("bad number %s: %w", b, err)
	}
	*f = flexFloat(v)
	return nil
}

type postcodeRecord struct {
	Postcode flexUint  `json:"postcode"`
	Lon      flexFloat `json:"lon"`
	Lat      flexFloat `json:"lat"`
	Group    string    `json:"postcode_extension_distance_group"`
}

type providerRecord struct {
	ID                 uint32    `json:"id"`
	FirstName          string    `json:"first_name"`
	LastName           string    `json:"last_name"`
	City               string    `json:"city"`
	Street             string    `json:"street"`
	HouseNumber        string    `json:"house_number"`
	Lon                flexFloat `json:"lon"`
	Lat                flexFloat `json:"lat"`
	MaxDrivingDistance uint64    `json:"max_driving_distance"`
}

type qualityRecord struct {
	ProfileID        uint32  `json:"profile_id"`
	PictureScore     float64 `json:"profile_picture_score"`
	DescriptionScore float64 `json:"profile_description_score"`
}

type postcodeInfoRecord struct {
	Zipcode   flexUint  `json:"zipcode"`
	Place     string    `json:"place"`
	Latitude  flexFloat `json:"latitude"`
	Longitude flexFloat `json:"longitude"`
}

var ErrBadCoordinate = errors.New("coordinate out of range")

func point(lon, lat flexFloat) (geo.Point, error) {
	if lon < -180 || lon > 180 || lat < -90 || lat > 90 {
		return geo.Point{}, fmt.Errorf("%w: lon=%v lat=%v", ErrBadCoordinate, lon, lat)
	}
	return geo.FromDegrees(float64(lon), float64(lat)), nil
}

func decode[T any](r io.Reader) ([]T, error) {
	var out []T
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodePostcodes：解析邮编数组，经纬度转为弧度
func DecodePostcodes(r io.Reader) (map[uint32]model.PostalCode, error) {
	recs, err := decode[postcodeRecord](r)
	if err != nil {
		return nil, err
	}
	out := make(map[uint32]model.PostalCode, len(recs))
	for i, rec := range recs {
		g, err := model.ParseGroup(rec.Group)
		if err != nil {
			return nil, fmt.Errorf("postcode %d (record %d): %w", rec.Postcode, i, err)
		}
		p, err := point(rec.Lon, rec.Lat)
		if err != nil {
			return nil, fmt.Errorf("postcode %d (record %d): %w", rec.Postcode, i, err)
		}
		if _, dup := out[uint32(rec.Postcode)]; dup {
			logger.L().Warn("dataset_duplicate_postcode", "postcode", uint32(rec.Postcode))
		}
		out[uint32(rec.Postcode)] = model.PostalCode{Code: uint32(rec.Postcode), Point: p, Group: g}
	}
	return out, nil
}

// DecodeProviders：解析服务商数组
func DecodeProviders(r io.Reader) (map[uint32]model.ServiceProvider, error) {
	recs, err := decode[providerRecord](r)
	if err != nil {
		return nil, err
	}
	out := make(map[uint32]model.ServiceProvider, len(recs))
	for i, rec := range recs {
		p, err := point(rec.Lon, rec.Lat)
		if err != nil {
			return nil, fmt.Errorf("provider %d (record %d): %w", rec.ID, i, err)
		}
		if _, dup := out[rec.ID]; dup {
			logger.L().Warn("dataset_duplicate_provider", "id", rec.ID)
		}
		out[rec.ID] = model.ServiceProvider{
			ID:                 rec.ID,
			FirstName:          rec.FirstName,
			LastName:           rec.LastName,
			City:               rec.City,
			Street:             rec.Street,
			HouseNumber:        rec.HouseNumber,
			Point:              p,
			MaxDrivingDistance: rec.MaxDrivingDistance,
		}
	}
	return out, nil
}

// DecodeQualityFactors：解析质量分数组
// 约束：分值须在 [0,1]
func DecodeQualityFactors(r io.Reader) (map[uint32]model.QualityFactor, error) {
	recs, err := decode[qualityRecord](r)
	if err != nil {
		return nil, err
	}
	out := make(map[uint32]model.QualityFactor, len(recs))
	for i, rec := range recs {
		if rec.PictureScore < 0 || rec.PictureScore > 1 || rec.DescriptionScore < 0 || rec.DescriptionScore > 1 {
			return nil, fmt.Errorf("quality factor %d (record %d): score out of [0,1]", rec.ProfileID, i)
		}
		out[rec.ProfileID] = model.QualityFactor{
			ProfileID:        rec.ProfileID,
			PictureScore:     rec.PictureScore,
			DescriptionScore: rec.DescriptionScore,
		}
	}
	return out, nil
}

// DecodePostcodeInfo：解析邮编检索数据（保持角度制）
func DecodePostcodeInfo(r io.Reader) ([]model.PostcodeInfo, error) {
	recs, err := decode[postcodeInfoRecord](r)
	if err != nil {
		return nil, err
	}
	out := make([]model.PostcodeInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, model.PostcodeInfo{
			Zipcode:   uint32(rec.Zipcode),
			Place:     rec.Place,
			Latitude:  float64(rec.Latitude),
			Longitude: float64(rec.Longitude),
		})
	}
	return out, nil
}

func decodeFile[T any](path string, fn func(io.Reader) (T, error)) (T, error) {
	var zero T
	f, err := os.Open(path)
	if err != nil {
		return zero, err
	}
	defer f.Close()
	v, err := fn(f)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

func LoadPostcodes(path string) (map[uint32]model.PostalCode, error) {
	return decodeFile(path, DecodePostcodes)
}

func LoadProviders(path string) (map[uint32]model.ServiceProvider, error) {
	return decodeFile(path, DecodeProviders)
}

func LoadQualityFactors(path string) (map[uint32]model.QualityFactor, error) {
	return decodeFile(path, DecodeQualityFactors)
}

func LoadPostcodeInfo(path string) ([]model.PostcodeInfo, error) {
	return decodeFile(path, DecodePostcodeInfo)
}

// 文档注释：从数据目录加载三份核心数据
// 约束：任一文件缺失或非法即返回错误，不返回部分数据
func Load(dir string) (model.Dataset, error) {
	var ds model.Dataset
	var err error
	if ds.Postcodes, err = LoadPostcodes(filepath.Join(dir, PostcodeFile)); err != nil {
		return model.Dataset{}, err
	}
	if ds.Providers, err = LoadProviders(filepath.Join(dir, ProviderFile)); err != nil {
		return model.Dataset{}, err
	}
	if ds.Quality, err = LoadQualityFactors(filepath.Join(dir, QualityFile)); err != nil {
		return model.Dataset{}, err
	}
	missing := 0
	for id := range ds.Providers {
		if _, ok := ds.Quality[id]; !ok {
			missing++
		}
	}
	if missing > 0 {
		logger.L().Warn("dataset_quality_missing", "providers", missing)
	}
	logger.L().Info("dataset_loaded", "dir", dir, "postcodes", len(ds.Postcodes), "providers", len(ds.Providers), "quality", len(ds.Quality))
	return ds, nil
}
