package geo

import (
	"hash/fnv"
	"iter"
	"math"
	"sort"
	"sync"

	"QuickCashEngine/internal/models"
)

const (
	cellDeg    = 0.01 // ~1.1 km of latitude
	lonCells   = int64(360 / cellDeg)
	shardCount = 64
)

// Hit is one result of a proximity query.
type Hit struct {
	ParticipantID string
	DistanceM     float64
	Location      models.Location
}

type cellKey struct {
	lat, lon int64
}

type entry struct {
	loc    models.Location
	hasLoc bool
	cell   cellKey
	roles  []models.Role
}

type participantShard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type cellShard struct {
	mu    sync.RWMutex
	cells map[cellKey]map[string]struct{}
}

// Index is a grid-bucketed spatial index of active participants. Locking is
// per shard; a participant shard lock may be held while taking a cell shard
// lock, never the other way around.
type Index struct {
	participants [shardCount]participantShard
	cells        [shardCount]cellShard
}

func NewIndex() *Index {
	idx := &Index{}
	for i := range idx.participants {
		idx.participants[i].entries = make(map[string]*entry)
		idx.cells[i].cells = make(map[cellKey]map[string]struct{})
	}
	return idx
}

// SetRoles records the role capabilities used to filter Nearby queries.
func (x *Index) SetRoles(participantID string, roles ...models.Role) {
	ps := x.participantShard(participantID)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	e, ok := ps.entries[participantID]
	if !ok {
		e = &entry{}
		ps.entries[participantID] = e
	}
	e.roles = append([]models.Role(nil), roles...)
}

// UpsertLocation replaces the stored location for a participant. Samples older
// than the stored one are discarded and false is returned.
func (x *Index) UpsertLocation(participantID string, loc models.Location) bool {
	ps := x.participantShard(participantID)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	e, ok := ps.entries[participantID]
	if !ok {
		e = &entry{}
		ps.entries[participantID] = e
	}
	if e.hasLoc && loc.At.Before(e.loc.At) {
		return false
	}

	next := cellFor(loc.Lat, loc.Lon)
	if e.hasLoc && e.cell != next {
		x.removeFromCell(e.cell, participantID)
	}
	if !e.hasLoc || e.cell != next {
		x.addToCell(next, participantID)
	}
	e.loc = loc
	e.cell = next
	e.hasLoc = true
	return true
}

// Location returns the last accepted location for a participant.
func (x *Index) Location(participantID string) (models.Location, bool) {
	ps := x.participantShard(participantID)
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	e, ok := ps.entries[participantID]
	if !ok || !e.hasLoc {
		return models.Location{}, false
	}
	return e.loc, true
}

// Remove evicts a participant. Removing an unknown participant is a no-op.
func (x *Index) Remove(participantID string) {
	ps := x.participantShard(participantID)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	e, ok := ps.entries[participantID]
	if !ok {
		return
	}
	if e.hasLoc {
		x.removeFromCell(e.cell, participantID)
	}
	delete(ps.entries, participantID)
}

// Nearby returns participants holding role within radiusM of center, nearest
// first, ties broken by the most recent sample. The query runs when the
// sequence is iterated, so each iteration observes current positions.
// limit <= 0 means unbounded.
func (x *Index) Nearby(center models.Location, radiusM float64, role models.Role, limit int) iter.Seq[Hit] {
	return func(yield func(Hit) bool) {
		hits := x.collect(center, radiusM, role)
		for i, h := range hits {
			if limit > 0 && i >= limit {
				return
			}
			if !yield(h) {
				return
			}
		}
	}
}

func (x *Index) collect(center models.Location, radiusM float64, role models.Role) []Hit {
	if radiusM <= 0 {
		return nil
	}
	var ids []string
	for _, key := range cellsWithin(center.Lat, center.Lon, radiusM) {
		cs := x.cellShard(key)
		cs.mu.RLock()
		for id := range cs.cells[key] {
			ids = append(ids, id)
		}
		cs.mu.RUnlock()
	}

	hits := make([]Hit, 0, len(ids))
	for _, id := range ids {
		ps := x.participantShard(id)
		ps.mu.RLock()
		e, ok := ps.entries[id]
		var loc models.Location
		eligible := ok && e.hasLoc && hasRole(e.roles, role)
		if eligible {
			loc = e.loc
		}
		ps.mu.RUnlock()
		if !eligible {
			continue
		}
		d := DistanceM(center.Lat, center.Lon, loc.Lat, loc.Lon)
		if d > radiusM {
			continue
		}
		hits = append(hits, Hit{ParticipantID: id, DistanceM: d, Location: loc})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceM != hits[j].DistanceM {
			return hits[i].DistanceM < hits[j].DistanceM
		}
		if !hits[i].Location.At.Equal(hits[j].Location.At) {
			return hits[i].Location.At.After(hits[j].Location.At)
		}
		return hits[i].ParticipantID < hits[j].ParticipantID
	})
	return hits
}

func (x *Index) addToCell(key cellKey, id string) {
	cs := x.cellShard(key)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	set, ok := cs.cells[key]
	if !ok {
		set = make(map[string]struct{})
		cs.cells[key] = set
	}
	set[id] = struct{}{}
}

func (x *Index) removeFromCell(key cellKey, id string) {
	cs := x.cellShard(key)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	set := cs.cells[key]
	delete(set, id)
	if len(set) == 0 {
		delete(cs.cells, key)
	}
}

func (x *Index) participantShard(id string) *participantShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &x.participants[h.Sum32()%shardCount]
}

func (x *Index) cellShard(key cellKey) *cellShard {
	h := uint64(key.lat)*31 + uint64(key.lon)
	return &x.cells[h%shardCount]
}

func hasRole(roles []models.Role, role models.Role) bool {
	if role == "" {
		return true
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func cellFor(lat, lon float64) cellKey {
	return cellKey{
		lat: int64(math.Floor(lat / cellDeg)),
		lon: wrapLon(int64(math.Floor(lon / cellDeg))),
	}
}

func wrapLon(i int64) int64 {
	i %= lonCells
	if i < 0 {
		i += lonCells
	}
	return i
}

// cellsWithin lists the grid cells overlapping the bounding box of a circle.
func cellsWithin(lat, lon, radiusM float64) []cellKey {
	dLat := radiusM / earthRadiusM * 180 / math.Pi
	minLat := math.Max(lat-dLat, -90)
	maxLat := math.Min(lat+dLat, 90)

	cosLat := math.Min(math.Cos(minLat*math.Pi/180), math.Cos(maxLat*math.Pi/180))
	lonSpan := int64(lonCells)
	if cosLat > 1e-6 {
		dLon := dLat / cosLat
		if dLon < 180 {
			lonSpan = int64(math.Ceil(dLon/cellDeg)) + 1
		}
	}

	latLo := int64(math.Floor(minLat / cellDeg))
	latHi := int64(math.Floor(maxLat / cellDeg))
	lonMid := int64(math.Floor(lon / cellDeg))

	var keys []cellKey
	seen := make(map[cellKey]struct{})
	for la := latLo; la <= latHi; la++ {
		for lo := lonMid - lonSpan; lo <= lonMid+lonSpan; lo++ {
			k := cellKey{lat: la, lon: wrapLon(lo)}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	return keys
}
