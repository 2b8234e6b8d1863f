package engine

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"

	"craftsmen-api/internal/geo"
	"craftsmen-api/internal/model"
	"craftsmen-api/internal/tiered"
)

var origin = geo.FromDegrees(11.6, 48.3)

type fixture struct {
	ds model.Dataset
}

func newFixture() *fixture {
	return &fixture{ds: model.Dataset{
		Postcodes: map[uint32]model.PostalCode{},
		Quality:   map[uint32]model.QualityFactor{},
		Providers: map[uint32]model.ServiceProvider{},
	}}
}

func (f *fixture) provider(id uint32, p geo.Point, radius uint64, pic, desc float64) *fixture {
	f.ds.Providers[id] = model.ServiceProvider{ID: id, FirstName: "P", LastName: "X", Point: p, MaxDrivingDistance: radius}
	f.ds.Quality[id] = model.QualityFactor{ProfileID: id, PictureScore: pic, DescriptionScore: desc}
	return f
}

func (f *fixture) postcode(code uint32, p geo.Point, g model.DistanceGroup) *fixture {
	f.ds.Postcodes[code] = model.PostalCode{Code: code, Point: p, Group: g}
	return f
}

func (f *fixture) build() *Map { return New(f.ds, tiered.DefaultBuffers) }

func u64(v uint64) *uint64 { return &v }

func f64(v float64) *float64 { return &v }

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func within(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func inRange(t *testing.T, m *Map, code uint32, id uint32) bool {
	t.Helper()
	es, err := m.ProvidersInRange(code)
	if err != nil {
		t.Fatalf("ProvidersInRange(%d): %v", code, err)
	}
	for _, e := range es {
		if e.ID == id {
			return true
		}
	}
	return false
}

func TestSamePointScenario(t *testing.T) {
	m := newFixture().provider(1, origin, 5000, 0.8, 0.5).postcode(85748, origin, model.GroupA).build()

	byDist, err := m.RankedByDistance(85748)
	if err != nil {
		t.Fatalf("RankedByDistance: %v", err)
	}
	if len(byDist.Results) != 1 || byDist.Results[0].ID != 1 || !within(byDist.Results[0].RankingScore, 0, 1e-6) {
		t.Fatalf("RankedByDistance=%+v, want provider 1 at 0m", byDist.Results)
	}

	byScore, err := m.RankedByScore(85748)
	if err != nil {
		t.Fatalf("RankedByScore: %v", err)
	}
	quality := 0.4*0.5 + 0.6*0.8
	if want := 0.15 + 0.85*quality; len(byScore.Results) != 1 || !within(byScore.Results[0].RankingScore, want, 1e-9) {
		t.Fatalf("RankedByScore=%+v, want score %v", byScore.Results, want)
	}
}

func TestTierGroupDecidesMembership(t *testing.T) {
	at8k := geo.Offset(origin, 0, 8000)
	at10k := geo.Offset(origin, 0, 10000)
	m := newFixture().provider(1, origin, 9000, 1, 1).
		postcode(1, at8k, model.GroupA).
		postcode(2, at10k, model.GroupA).
		postcode(3, at10k, model.GroupB).
		postcode(4, at10k, model.GroupC).
		build()

	want := map[uint32]bool{1: true, 2: false, 3: true, 4: true}
	for code, in := range want {
		if got := inRange(t, m, code, 1); got != in {
			t.Fatalf("postcode %d: in range=%v, want %v", code, got, in)
		}
	}
}

func TestUpdateRadiusRebuildsIndex(t *testing.T) {
	far := geo.Offset(origin, math.Pi/4, 15000)
	m := newFixture().provider(1, origin, 5000, 0.5, 0.5).postcode(10, far, model.GroupA).build()
	if inRange(t, m, 10, 1) {
		t.Fatalf("provider in range before update")
	}

	applied, err := m.UpdateServiceProvider(1, Update{MaxDrivingDistance: u64(20000)})
	if err != nil {
		t.Fatalf("UpdateServiceProvider: %v", err)
	}
	if applied.MaxDrivingDistance != 20000 || *applied.PictureScore != 0.5 || *applied.DescriptionScore != 0.5 || !applied.Changed {
		t.Fatalf("applied=%+v", applied)
	}
	if !inRange(t, m, 10, 1) {
		t.Fatalf("provider not in range after radius grew to 20000m")
	}
	r, _ := m.RankedByScore(10)
	if len(r.Results) != 1 {
		t.Fatalf("RankedByScore after update=%+v", r.Results)
	}

	if _, err := m.UpdateServiceProvider(1, Update{MaxDrivingDistance: u64(1000)}); err != nil {
		t.Fatalf("shrink: %v", err)
	}
	if inRange(t, m, 10, 1) {
		t.Fatalf("provider still in range after radius shrank")
	}
	for _, g := range []model.DistanceGroup{model.GroupA, model.GroupB, model.GroupC} {
		if n := m.tiers.Index(g).Len(); n != 1 {
			t.Fatalf("%v holds %d entries after updates, want 1", g, n)
		}
	}
}

func TestUpdateWithoutFieldsIsIdempotent(t *testing.T) {
	m := newFixture().provider(1, origin, 5000, 0.3, 0.7).build()
	gen := m.Generation()
	applied, err := m.UpdateServiceProvider(1, Update{})
	if err != nil {
		t.Fatalf("UpdateServiceProvider: %v", err)
	}
	if applied.MaxDrivingDistance != 5000 || *applied.PictureScore != 0.3 || *applied.DescriptionScore != 0.7 || applied.Changed {
		t.Fatalf("applied=%+v", applied)
	}
	if m.Generation() != gen {
		t.Fatalf("generation moved on a no-op update")
	}
	p, _ := m.ServiceProviderByID(1)
	if p.MaxDrivingDistance != 5000 {
		t.Fatalf("provider changed: %+v", p)
	}
}

func TestUpdateScoresOnly(t *testing.T) {
	m := newFixture().provider(1, origin, 5000, 0.3, 0.7).postcode(1, origin, model.GroupA).build()
	gen := m.Generation()
	applied, err := m.UpdateServiceProvider(1, Update{PictureScore: f64(1)})
	if err != nil {
		t.Fatalf("UpdateServiceProvider: %v", err)
	}
	if *applied.PictureScore != 1 || *applied.DescriptionScore != 0.7 || applied.MaxDrivingDistance != 5000 {
		t.Fatalf("applied=%+v", applied)
	}
	if m.Generation() == gen {
		t.Fatalf("generation not bumped")
	}
	r, _ := m.RankedByProfile(1)
	if !near(r.Results[0].RankingScore, 0.4*0.7+0.6*1) {
		t.Fatalf("profile score=%v", r.Results[0].RankingScore)
	}
}

func TestUpdateErrors(t *testing.T) {
	m := newFixture().provider(1, origin, 5000, 0.3, 0.7).build()
	if _, err := m.UpdateServiceProvider(99, Update{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id err=%v", err)
	}
	if _, err := m.UpdateServiceProvider(1, Update{PictureScore: f64(1.5)}); !errors.Is(err, ErrInvalidScore) {
		t.Fatalf("out of range score err=%v", err)
	}
	if _, err := m.UpdateServiceProvider(1, Update{DescriptionScore: f64(math.NaN())}); !errors.Is(err, ErrInvalidScore) {
		t.Fatalf("NaN score err=%v", err)
	}
}

func TestUpdateCreatesMissingQuality(t *testing.T) {
	f := newFixture().provider(1, origin, 5000, 0, 0).postcode(1, origin, model.GroupA)
	delete(f.ds.Quality, 1)
	m := f.build()
	applied, err := m.UpdateServiceProvider(1, Update{DescriptionScore: f64(0.5)})
	if err != nil {
		t.Fatalf("UpdateServiceProvider: %v", err)
	}
	if *applied.DescriptionScore != 0.5 || *applied.PictureScore != 0 {
		t.Fatalf("applied=%+v", applied)
	}
	if q, ok := m.QualityFactor(1); !ok || q.DescriptionScore != 0.5 {
		t.Fatalf("quality=%+v,%v", q, ok)
	}
	if q := applied.Quality(1); q == nil || q.DescriptionScore != 0.5 {
		t.Fatalf("applied quality=%+v", q)
	}
}

func TestRadiusUpdateDoesNotInventQuality(t *testing.T) {
	f := newFixture().provider(9, origin, 5000, 0, 0).postcode(1, origin, model.GroupA)
	delete(f.ds.Quality, 9)
	m := f.build()
	applied, err := m.UpdateServiceProvider(9, Update{MaxDrivingDistance: u64(6000)})
	if err != nil {
		t.Fatalf("UpdateServiceProvider: %v", err)
	}
	if applied.PictureScore != nil || applied.DescriptionScore != nil || applied.Quality(9) != nil {
		t.Fatalf("applied reports scores for a provider without quality: %+v", applied)
	}
	if !applied.Changed || applied.MaxDrivingDistance != 6000 {
		t.Fatalf("applied=%+v", applied)
	}
	if _, ok := m.QualityFactor(9); ok {
		t.Fatalf("quality record created by a radius update")
	}
	r, _ := m.RankedByScore(1)
	if len(r.Results) != 0 || len(r.Missing) != 1 || r.Missing[0] != 9 {
		t.Fatalf("ranking=%+v", r)
	}
}

func TestVersionEpochDiffersPerMap(t *testing.T) {
	a := newFixture().provider(1, origin, 5000, 0.3, 0.7).build()
	b := newFixture().provider(1, origin, 5000, 0.3, 0.7).build()
	ea, ga := a.Version()
	eb, gb := b.Version()
	if ga != gb {
		t.Fatalf("fresh maps start at different generations: %d %d", ga, gb)
	}
	if ea == "" || ea == eb {
		t.Fatalf("epochs %q %q", ea, eb)
	}
	if _, err := a.UpdateServiceProvider(1, Update{MaxDrivingDistance: u64(100)}); err != nil {
		t.Fatalf("UpdateServiceProvider: %v", err)
	}
	if e, g := a.Version(); e != ea || g != ga+1 {
		t.Fatalf("version after update=%s/%d", e, g)
	}
}

func TestUnknownPostcode(t *testing.T) {
	m := newFixture().provider(1, origin, 5000, 1, 1).build()
	if _, err := m.ProvidersInRange(12345); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ProvidersInRange err=%v", err)
	}
	for _, mode := range []SortMode{SortScore, SortDistance, SortProfile} {
		if _, err := m.Ranked(12345, mode); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Ranked(%v) err=%v", mode, err)
		}
	}
}

func TestMissingQualityIsReported(t *testing.T) {
	f := newFixture().provider(1, origin, 5000, 1, 1).provider(2, origin, 5000, 1, 1).postcode(1, origin, model.GroupA)
	delete(f.ds.Quality, 2)
	m := f.build()

	for _, mode := range []SortMode{SortScore, SortProfile} {
		r, err := m.Ranked(1, mode)
		if err != nil {
			t.Fatalf("Ranked(%v): %v", mode, err)
		}
		if len(r.Results) != 1 || r.Results[0].ID != 1 {
			t.Fatalf("Ranked(%v)=%+v, want only provider 1", mode, r.Results)
		}
		if len(r.Missing) != 1 || r.Missing[0] != 2 {
			t.Fatalf("Ranked(%v) missing=%v, want [2]", mode, r.Missing)
		}
	}
	r, _ := m.RankedByDistance(1)
	if len(r.Results) != 2 || len(r.Missing) != 0 {
		t.Fatalf("RankedByDistance=%+v missing=%v", r.Results, r.Missing)
	}
}

func TestFarProviderUsesSmallDistanceWeight(t *testing.T) {
	at90k := geo.Offset(origin, 0, 90000)
	m := newFixture().provider(1, origin, 100000, 0.5, 0.5).postcode(1, at90k, model.GroupA).build()
	r, _ := m.RankedByScore(1)
	if len(r.Results) != 1 {
		t.Fatalf("results=%+v", r.Results)
	}
	d := geo.Distance(origin, at90k)
	want := 0.01*(1-d/80000) + 0.99*0.5
	if !near(r.Results[0].RankingScore, want) {
		t.Fatalf("score=%v, want %v", r.Results[0].RankingScore, want)
	}
}

func TestTieBreakByID(t *testing.T) {
	f := newFixture().postcode(1, origin, model.GroupA)
	for _, id := range []uint32{9, 3, 7, 1} {
		f.provider(id, origin, 1000, 0.5, 0.5)
	}
	m := f.build()
	for _, mode := range []SortMode{SortScore, SortDistance, SortProfile} {
		r, _ := m.Ranked(1, mode)
		want := []uint32{1, 3, 7, 9}
		for i, res := range r.Results {
			if res.ID != want[i] {
				t.Fatalf("Ranked(%v) order=%+v, want ids %v", mode, r.Results, want)
			}
		}
	}
}

func randomMap(seed int64, nProviders, nCodes int) (*Map, model.Dataset) {
	rng := rand.New(rand.NewSource(seed))
	f := newFixture()
	for i := 1; i <= nProviders; i++ {
		p := geo.FromDegrees(9+rng.Float64()*3, 48+rng.Float64()*3)
		f.provider(uint32(i), p, uint64(rng.Intn(60000)), rng.Float64(), rng.Float64())
	}
	for i := 1; i <= nCodes; i++ {
		p := geo.FromDegrees(9+rng.Float64()*3, 48+rng.Float64()*3)
		f.postcode(uint32(10000+i), p, model.DistanceGroup(rng.Intn(3)))
	}
	ds := model.Dataset{Postcodes: map[uint32]model.PostalCode{}, Providers: map[uint32]model.ServiceProvider{}}
	for k, v := range f.ds.Postcodes {
		ds.Postcodes[k] = v
	}
	for k, v := range f.ds.Providers {
		ds.Providers[k] = v
	}
	return f.build(), ds
}

func TestRangeCorrectness(t *testing.T) {
	m, ds := randomMap(1, 400, 150)
	for code, pc := range ds.Postcodes {
		got := map[uint32]bool{}
		es, err := m.ProvidersInRange(code)
		if err != nil {
			t.Fatalf("ProvidersInRange(%d): %v", code, err)
		}
		for _, e := range es {
			got[e.ID] = true
		}
		buf := tiered.DefaultBuffers.For(pc.Group)
		for id, p := range ds.Providers {
			want := geo.Distance(p.Point, pc.Point) <= float64(p.MaxDrivingDistance)+buf
			if got[id] != want {
				t.Fatalf("postcode %d (%v) provider %d: in range=%v, want %v", code, pc.Group, id, got[id], want)
			}
		}
	}
}

func TestSortOrder(t *testing.T) {
	m, ds := randomMap(2, 400, 60)
	for code := range ds.Postcodes {
		for _, mode := range []SortMode{SortScore, SortDistance, SortProfile} {
			r, err := m.Ranked(code, mode)
			if err != nil {
				t.Fatalf("Ranked: %v", err)
			}
			for i := 1; i < len(r.Results); i++ {
				prev, cur := r.Results[i-1].RankingScore, r.Results[i].RankingScore
				if mode == SortDistance && cur < prev {
					t.Fatalf("distance ranking decreases at %d: %v < %v", i, cur, prev)
				}
				if mode != SortDistance && cur > prev {
					t.Fatalf("%v ranking increases at %d: %v > %v", mode, i, cur, prev)
				}
			}
		}
	}
}

func TestPaginationCompleteness(t *testing.T) {
	list := make([]model.RankedResult, 45)
	for i := range list {
		list[i] = model.RankedResult{ID: uint32(i)}
	}
	var all []model.RankedResult
	for page := uint32(0); ; page++ {
		p := Paginate(list, page, DefaultPageSize)
		if p.Total != 45 {
			t.Fatalf("page %d total=%d", page, p.Total)
		}
		all = append(all, p.Results...)
		if !p.HasMore {
			if page != 2 {
				t.Fatalf("HasMore=false on page %d, want 2", page)
			}
			break
		}
	}
	if len(all) != len(list) {
		t.Fatalf("pages returned %d results, want %d", len(all), len(list))
	}
	for i := range all {
		if all[i].ID != uint32(i) {
			t.Fatalf("result %d has id %d", i, all[i].ID)
		}
	}

	out := Paginate(list, 3, DefaultPageSize)
	if len(out.Results) != 0 || out.HasMore || out.Total != 45 {
		t.Fatalf("out of range page=%+v", out)
	}
	if p := Paginate(list, math.MaxUint32, 0); len(p.Results) != 0 || p.HasMore {
		t.Fatalf("huge page=%+v", p)
	}
	exact := Paginate(list[:40], 1, 20)
	if len(exact.Results) != 20 || exact.HasMore {
		t.Fatalf("last full page=%+v", exact)
	}
}

func TestAddServiceProvider(t *testing.T) {
	at3k := geo.Offset(origin, 0, 3000)
	m := newFixture().postcode(1, at3k, model.GroupA).postcode(2, at3k, model.GroupC).build()
	p := model.ServiceProvider{ID: 42, FirstName: "New", Point: origin, MaxDrivingDistance: 1000}
	m.AddServiceProvider(p)
	m.AddServiceProvider(p)

	if inRange(t, m, 1, 42) {
		t.Fatalf("provider in tier A range at 3000m with radius 1000m")
	}
	if !inRange(t, m, 2, 42) {
		t.Fatalf("provider not in tier C range (1000+5000) at 3000m")
	}
	for _, g := range []model.DistanceGroup{model.GroupA, model.GroupB, model.GroupC} {
		e, ok := m.tiers.Index(g).Get(42)
		if !ok || m.tiers.Index(g).Len() != 1 {
			t.Fatalf("%v: entry missing or duplicated", g)
		}
		if want := 1000 + tiered.DefaultBuffers.For(g); e.Radius != want {
			t.Fatalf("%v: radius %v, want %v", g, e.Radius, want)
		}
	}
	if err := m.PutQualityFactor(model.QualityFactor{ProfileID: 42, PictureScore: 1, DescriptionScore: 1}); err != nil {
		t.Fatalf("PutQualityFactor: %v", err)
	}
	r, _ := m.RankedByScore(2)
	if len(r.Results) != 1 || r.Results[0].ID != 42 {
		t.Fatalf("RankedByScore=%+v", r.Results)
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	m, ds := randomMap(3, 200, 40)
	codes := make([]uint32, 0, len(ds.Postcodes))
	for c := range ds.Postcodes {
		codes = append(codes, c)
	}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if _, err := m.Ranked(codes[(w+i)%len(codes)], SortMode(i%3)); err != nil {
					t.Errorf("Ranked: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			if _, err := m.UpdateServiceProvider(uint32(1+i%200), Update{MaxDrivingDistance: u64(uint64(i * 500))}); err != nil {
				t.Errorf("Update: %v", err)
				return
			}
		}
	}()
	wg.Wait()
	for _, g := range []model.DistanceGroup{model.GroupA, model.GroupB, model.GroupC} {
		if n := m.tiers.Index(g).Len(); n != 200 {
			t.Fatalf("%v holds %d entries, want 200", g, n)
		}
	}
}

func TestParseSortMode(t *testing.T) {
	cases := map[string]SortMode{"distance": SortDistance, "PROFILE": SortProfile, "": SortScore, "score": SortScore, "x": SortScore}
	for in, want := range cases {
		if got := ParseSortMode(in); got != want {
			t.Fatalf("ParseSortMode(%q)=%v, want %v", in, got, want)
		}
	}
}
