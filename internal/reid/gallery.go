package reid

import (
	"encoding/json"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"gonum.org/v1/gonum/floats"

	"github.com/gatecount/gatecount/internal/metrics"
)

const (
	// trackHistory bounds the recent-track ring per person.
	trackHistory = 16
	// saveEvery batches snapshot writes during steady matching.
	saveEvery = 10
)

// PersonRecord is one gallery entry.
type PersonRecord struct {
	ID          string          `json:"person_id"`
	Embedding   []float64       `json:"embedding"`
	FirstSeen   time.Time       `json:"first_seen"`
	LastSeen    time.Time       `json:"last_seen"`
	Appearances int             `json:"appearance_count"`
	TrackIDs    []int           `json:"track_ids"`
	Counted     map[string]bool `json:"counted_directions,omitempty"`
}

// PersonInfo is the read-only view served by the API.
type PersonInfo struct {
	ID          string    `json:"person_id"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Appearances int       `json:"appearance_count"`
	TrackIDs    []int     `json:"track_ids"`
	Counted     []string  `json:"counted_directions,omitempty"`
}

// GalleryConfig configures the person gallery.
type GalleryConfig struct {
	SimilarityThreshold float64
	MaxPersons          int
	// Path of the JSON snapshot. Empty disables persistence.
	Path             string
	UpdateEmbeddings bool
}

// Gallery is a bounded person gallery. When full, the person with the
// oldest last-seen time is evicted; recency in the underlying LRU tracks
// last_seen because every accepted match refreshes the entry.
type Gallery struct {
	mu        sync.Mutex
	cache     *lru.Cache[string, *PersonRecord]
	max       int
	nextID    int
	threshold float64
	update    bool
	path      string
	dirty     int
	logger    *slog.Logger
}

// NewGallery creates a gallery and loads the snapshot at cfg.Path if present.
func NewGallery(cfg GalleryConfig, logger *slog.Logger) (*Gallery, error) {
	if cfg.MaxPersons < 1 {
		cfg.MaxPersons = 100
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.65
	}

	cache, err := lru.New[string, *PersonRecord](cfg.MaxPersons)
	if err != nil {
		return nil, err
	}

	g := &Gallery{
		cache:     cache,
		max:       cfg.MaxPersons,
		nextID:    1,
		threshold: cfg.SimilarityThreshold,
		update:    cfg.UpdateEmbeddings,
		path:      cfg.Path,
		logger:    logger.With("component", "reid"),
	}

	if g.path != "" {
		if err := os.MkdirAll(filepath.Dir(g.path), 0o755); err != nil {
			g.logger.Warn("Failed to create gallery directory", "error", err)
		}
	}

	g.load()
	metrics.GalleryPersons.Set(float64(g.cache.Len()))

	g.logger.Info("Re-ID gallery ready",
		"persons", g.cache.Len(),
		"threshold", g.threshold,
		"max_persons", g.max,
	)
	return g, nil
}

// Identify matches the person patch against the gallery, registering a new
// person when nothing clears the similarity threshold. It returns the
// person id and a copy of the directions already counted for that person;
// ok is false when the patch is unusable.
func (g *Gallery) Identify(frame image.Image, bbox [4]float64, trackID int, now time.Time) (string, map[string]bool, bool) {
	emb := Embed(Crop(frame, bbox))
	if emb == nil {
		return "", nil, false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if id, sim := g.bestMatch(emb); id != "" && sim >= g.threshold {
		// Get refreshes recency so LRU eviction order follows last_seen
		p, _ := g.cache.Get(id)
		p.LastSeen = now
		p.Appearances++
		appendTrack(p, trackID)

		if g.update {
			floats.Scale(0.7, p.Embedding)
			floats.AddScaled(p.Embedding, 0.3, emb)
			if n := floats.Norm(p.Embedding, 2); n > 0 {
				floats.Scale(1/n, p.Embedding)
			}
		}

		g.logger.Debug("Re-ID match",
			"person_id", id, "similarity", fmt.Sprintf("%.3f", sim), "track_id", trackID)

		g.dirty++
		if g.dirty >= saveEvery {
			g.save()
		}
		return id, copyCounted(p.Counted), true
	}

	return g.register(emb, trackID, now), nil, true
}

// MarkCounted records a counted direction for the person.
func (g *Gallery) MarkCounted(personID, direction string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.cache.Peek(personID)
	if !ok {
		return
	}
	if p.Counted == nil {
		p.Counted = make(map[string]bool)
	}
	p.Counted[direction] = true
	g.dirty++
}

// IsCounted reports whether the direction was already recorded for the
// person since the last reset.
func (g *Gallery) IsCounted(personID, direction string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.cache.Peek(personID)
	return ok && p.Counted[direction]
}

// ResetCounted clears every person's counted directions. Counter resets
// call this so directions recorded before the reset stop suppressing
// events.
func (g *Gallery) ResetCounted() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, id := range g.cache.Keys() {
		if p, ok := g.cache.Peek(id); ok && len(p.Counted) > 0 {
			p.Counted = make(map[string]bool)
		}
	}
	g.save()
}

// Persons lists gallery entries, most recently seen first.
func (g *Gallery) Persons() []PersonInfo {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]PersonInfo, 0, g.cache.Len())
	for _, id := range g.cache.Keys() {
		p, ok := g.cache.Peek(id)
		if !ok {
			continue
		}
		info := PersonInfo{
			ID:          p.ID,
			FirstSeen:   p.FirstSeen,
			LastSeen:    p.LastSeen,
			Appearances: p.Appearances,
			TrackIDs:    append([]int(nil), p.TrackIDs...),
		}
		for dir := range p.Counted {
			info.Counted = append(info.Counted, dir)
		}
		sort.Strings(info.Counted)
		out = append(out, info)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out
}

// Len returns the number of known persons.
func (g *Gallery) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cache.Len()
}

// Cleanup removes persons not seen within maxAgeDays and returns how many
// were removed.
func (g *Gallery) Cleanup(maxAgeDays int, now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	maxAge := time.Duration(maxAgeDays) * 24 * time.Hour
	var stale []string
	for _, id := range g.cache.Keys() {
		if p, ok := g.cache.Peek(id); ok && now.Sub(p.LastSeen) > maxAge {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		g.cache.Remove(id)
	}

	if len(stale) > 0 {
		g.logger.Info("Removed stale persons", "count", len(stale))
		metrics.GalleryPersons.Set(float64(g.cache.Len()))
		g.save()
	}
	return len(stale)
}

// Clear removes every person and restarts id numbering.
func (g *Gallery) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.cache.Purge()
	g.nextID = 1
	metrics.GalleryPersons.Set(0)
	g.save()
	g.logger.Info("Gallery cleared")
}

// Save forces a snapshot to disk, for shutdown.
func (g *Gallery) Save() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.save()
}

func (g *Gallery) bestMatch(emb []float64) (string, float64) {
	var bestID string
	var best float64
	for _, id := range g.cache.Keys() {
		p, ok := g.cache.Peek(id)
		if !ok {
			continue
		}
		if sim := Cosine(emb, p.Embedding); sim > best {
			best = sim
			bestID = id
		}
	}
	return bestID, best
}

func (g *Gallery) register(emb []float64, trackID int, now time.Time) string {
	if g.cache.Len() >= g.max {
		// Keys are ordered oldest first; the LRU drops that one on Add
		if oldest, _, ok := g.cache.GetOldest(); ok {
			g.logger.Info("Gallery full, evicting oldest person", "person_id", oldest)
		}
	}

	id := fmt.Sprintf("P%04d", g.nextID)
	g.nextID++

	g.cache.Add(id, &PersonRecord{
		ID:          id,
		Embedding:   emb,
		FirstSeen:   now,
		LastSeen:    now,
		Appearances: 1,
		TrackIDs:    []int{trackID},
		Counted:     make(map[string]bool),
	})
	metrics.GalleryPersons.Set(float64(g.cache.Len()))

	g.logger.Info("New person registered", "person_id", id, "track_id", trackID)
	g.save()
	return id
}

type gallerySnapshot struct {
	NextID  int             `json:"next_id"`
	Persons []*PersonRecord `json:"persons"`
}

// save snapshots the gallery. Failures are logged, never returned: losing
// a snapshot must not stop counting.
func (g *Gallery) save() {
	g.dirty = 0
	if g.path == "" {
		return
	}

	snap := gallerySnapshot{NextID: g.nextID}
	for _, id := range g.cache.Keys() {
		if p, ok := g.cache.Peek(id); ok {
			snap.Persons = append(snap.Persons, p)
		}
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		g.logger.Warn("Failed to encode gallery", "error", err)
		return
	}

	tmp := g.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		g.logger.Warn("Failed to save gallery", "error", err)
		return
	}
	if err := os.Rename(tmp, g.path); err != nil {
		g.logger.Warn("Failed to save gallery", "error", err)
	}
}

func (g *Gallery) load() {
	if g.path == "" {
		return
	}

	data, err := os.ReadFile(g.path)
	if err != nil {
		if !os.IsNotExist(err) {
			g.logger.Warn("Failed to read gallery", "error", err)
		}
		return
	}

	var snap gallerySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		g.logger.Warn("Failed to parse gallery, starting fresh", "error", err)
		return
	}

	// Insert oldest first so LRU eviction order matches last_seen
	sort.Slice(snap.Persons, func(i, j int) bool {
		return snap.Persons[i].LastSeen.Before(snap.Persons[j].LastSeen)
	})
	for _, p := range snap.Persons {
		if p.ID == "" || len(p.Embedding) == 0 {
			continue
		}
		g.cache.Add(p.ID, p)
	}

	g.nextID = snap.NextID
	if g.nextID < 1 {
		g.nextID = 1
	}

	g.logger.Info("Loaded gallery", "persons", g.cache.Len())
}

func appendTrack(p *PersonRecord, trackID int) {
	for _, id := range p.TrackIDs {
		if id == trackID {
			return
		}
	}
	p.TrackIDs = append(p.TrackIDs, trackID)
	if len(p.TrackIDs) > trackHistory {
		p.TrackIDs = p.TrackIDs[len(p.TrackIDs)-trackHistory:]
	}
}

func copyCounted(m map[string]bool) map[string]bool {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
