package geo

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"QuickCashEngine/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func loc(lat, lon float64, at time.Time) models.Location {
	return models.Location{Lat: lat, Lon: lon, At: at}
}

func ids(hits []Hit) []string {
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.ParticipantID)
	}
	return out
}

func collectAll(x *Index, center models.Location, radius float64, role models.Role, limit int) []Hit {
	var out []Hit
	for h := range x.Nearby(center, radius, role, limit) {
		out = append(out, h)
	}
	return out
}

func TestDistanceM(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want                   float64
	}{
		{"same point", 10, 10, 10, 10, 0},
		{"0.001 deg lat at equator", 0, 0, 0.001, 0, 111.19},
		{"one degree lon at equator", 0, 0, 0, 1, 111194.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DistanceM(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			if math.Abs(got-tt.want) > 0.5 {
				t.Fatalf("DistanceM = %.2f, want %.2f", got, tt.want)
			}
		})
	}
}

func TestNearbyOrdersByDistanceThenRecency(t *testing.T) {
	x := NewIndex()
	for _, id := range []string{"far", "near", "tie-old", "tie-new", "req"} {
		role := models.RoleProvider
		if id == "req" {
			role = models.RoleRequester
		}
		x.SetRoles(id, role)
	}
	x.UpsertLocation("far", loc(0.003, 0, t0))
	x.UpsertLocation("near", loc(0.001, 0, t0))
	x.UpsertLocation("tie-old", loc(0, 0.002, t0))
	x.UpsertLocation("tie-new", loc(0, -0.002, t0.Add(time.Minute)))
	x.UpsertLocation("req", loc(0, 0.0005, t0))

	got := ids(collectAll(x, loc(0, 0, t0), 1000, models.RoleProvider, 0))
	want := []string{"near", "tie-new", "tie-old", "far"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}

	limited := ids(collectAll(x, loc(0, 0, t0), 1000, models.RoleProvider, 2))
	if fmt.Sprint(limited) != fmt.Sprint(want[:2]) {
		t.Fatalf("limited = %v, want %v", limited, want[:2])
	}
}

func TestNearbyRadiusBound(t *testing.T) {
	x := NewIndex()
	x.SetRoles("p", models.RoleProvider)
	x.UpsertLocation("p", loc(0.01, 0, t0)) // ~1.1 km north

	if hits := collectAll(x, loc(0, 0, t0), 500, models.RoleProvider, 0); len(hits) != 0 {
		t.Fatalf("expected no hits within 500m, got %v", ids(hits))
	}
	if hits := collectAll(x, loc(0, 0, t0), 2000, models.RoleProvider, 0); len(hits) != 1 {
		t.Fatalf("expected one hit within 2km, got %v", ids(hits))
	}
}

func TestUpsertDiscardsOutOfOrderSamples(t *testing.T) {
	x := NewIndex()
	x.SetRoles("p", models.RoleProvider)
	if !x.UpsertLocation("p", loc(1, 1, t0.Add(time.Minute))) {
		t.Fatal("first sample rejected")
	}
	if x.UpsertLocation("p", loc(2, 2, t0)) {
		t.Fatal("older sample accepted")
	}
	got, ok := x.Location("p")
	if !ok || got.Lat != 1 || got.Lon != 1 {
		t.Fatalf("location = %+v, want (1,1)", got)
	}

	if !x.UpsertLocation("p", loc(3, 3, t0.Add(2*time.Minute))) {
		t.Fatal("newer sample rejected")
	}
	if hits := collectAll(x, loc(1, 1, t0), 1000, "", 0); len(hits) != 0 {
		t.Fatalf("participant still found at old cell: %v", ids(hits))
	}
	if hits := collectAll(x, loc(3, 3, t0), 1000, "", 0); len(hits) != 1 {
		t.Fatalf("participant not found at new cell")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	x := NewIndex()
	x.SetRoles("p", models.RoleProvider)
	x.UpsertLocation("p", loc(0, 0, t0))
	x.Remove("p")
	x.Remove("p")
	x.Remove("never-seen")
	if _, ok := x.Location("p"); ok {
		t.Fatal("location survived removal")
	}
	if hits := collectAll(x, loc(0, 0, t0), 1000, "", 0); len(hits) != 0 {
		t.Fatalf("removed participant returned: %v", ids(hits))
	}
}

func TestNearbyIsRestartable(t *testing.T) {
	x := NewIndex()
	x.SetRoles("a", models.RoleProvider)
	x.UpsertLocation("a", loc(0, 0.001, t0))
	seq := x.Nearby(loc(0, 0, t0), 1000, models.RoleProvider, 0)

	first := 0
	for range seq {
		first++
	}
	x.SetRoles("b", models.RoleProvider)
	x.UpsertLocation("b", loc(0, 0.002, t0))
	second := 0
	for range seq {
		second++
	}
	if first != 1 || second != 2 {
		t.Fatalf("iterations saw %d then %d hits, want 1 then 2", first, second)
	}
}

func TestNearbyAcrossAntimeridian(t *testing.T) {
	x := NewIndex()
	x.SetRoles("east", models.RoleProvider)
	x.UpsertLocation("east", loc(0, -179.999, t0))
	hits := collectAll(x, loc(0, 179.999, t0), 1000, models.RoleProvider, 0)
	if len(hits) != 1 {
		t.Fatalf("expected wrap-around hit, got %d", len(hits))
	}
}

func TestConcurrentUpserts(t *testing.T) {
	x := NewIndex()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("p%d", i)
			x.SetRoles(id, models.RoleProvider)
			for j := 0; j < 100; j++ {
				x.UpsertLocation(id, loc(float64(j)*0.0001, 0, t0.Add(time.Duration(j)*time.Second)))
				for range x.Nearby(loc(0, 0, t0), 2000, models.RoleProvider, 5) {
				}
			}
		}(i)
	}
	wg.Wait()
	if hits := collectAll(x, loc(0.0099, 0, t0), 100, models.RoleProvider, 0); len(hits) != 16 {
		t.Fatalf("hits = %d, want 16", len(hits))
	}
}
