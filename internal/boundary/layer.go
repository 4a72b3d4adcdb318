package boundary

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/municipality-check/internal/model"
)

// LayerStats describes what a layer currently holds.
type LayerStats struct {
	Layer    model.Layer `json:"layer"`
	Dir      string      `json:"dir"`
	Loaded   bool        `json:"loaded"`
	Files    int         `json:"files"`
	Skipped  int         `json:"skipped_files"`
	Features int         `json:"features"`
	LoadedAt time.Time   `json:"loaded_at,omitempty"`
}

// Layer is one boundary layer. Files load on first query and again on Reload.
type Layer struct {
	spec LayerSpec

	mu       sync.RWMutex
	loaded   bool
	features []*Feature
	files    int
	skipped  int
	loadedAt time.Time
}

// NewLayer creates an unloaded layer.
func NewLayer(spec LayerSpec) *Layer {
	return &Layer{spec: spec}
}

// Spec returns the layer's spec.
func (l *Layer) Spec() LayerSpec {
	return l.spec
}

// Reload reads every file in the layer folder, replacing what was loaded before.
// Files that fail to decode are logged and skipped.
func (l *Layer) Reload() error {
	log := zap.L().With(zap.String("component", "boundary"), zap.String("layer", string(l.spec.Name)))

	if err := os.MkdirAll(l.spec.Dir, 0o755); err != nil {
		return eris.Wrapf(err, "boundary: create %s", l.spec.Dir)
	}
	files, err := listLayerFiles(l.spec.Dir)
	if err != nil {
		return err
	}

	var feats []*Feature
	var skipped int
	for _, path := range files {
		ff, err := loadFile(l.spec, path)
		if err != nil {
			skipped++
			log.Warn("skipping boundary file", zap.String("file", path), zap.Error(err))
			continue
		}
		feats = append(feats, ff...)
	}

	l.mu.Lock()
	l.features = feats
	l.files = len(files)
	l.skipped = skipped
	l.loaded = true
	l.loadedAt = time.Now().UTC()
	l.mu.Unlock()

	log.Info("boundary layer loaded",
		zap.Int("files", len(files)),
		zap.Int("skipped", skipped),
		zap.Int("features", len(feats)),
	)
	return nil
}

func (l *Layer) ensureLoaded() error {
	l.mu.RLock()
	loaded := l.loaded
	l.mu.RUnlock()
	if loaded {
		return nil
	}
	return l.Reload()
}

// Query returns the first feature, in load order, that strictly contains the point.
// An error is returned only when the layer folder cannot be read.
func (l *Layer) Query(lat, lon float64) (*Feature, error) {
	if err := l.ensureLoaded(); err != nil {
		return nil, err
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, f := range l.features {
		if f.Contains(lon, lat) {
			return f, nil
		}
	}
	return nil, nil
}

// Len returns the number of loaded features.
func (l *Layer) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.features)
}

// Stats reports the layer's load state.
func (l *Layer) Stats() LayerStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LayerStats{
		Layer:    l.spec.Name,
		Dir:      l.spec.Dir,
		Loaded:   l.loaded,
		Files:    l.files,
		Skipped:  l.skipped,
		Features: len(l.features),
		LoadedAt: l.loadedAt,
	}
}

// Match is the outcome of querying one layer.
type Match struct {
	Layer   model.Layer
	Feature *Feature
	// Empty is set when the layer had no features to test against.
	Empty bool
}

// Name returns the matched feature name, or nil.
func (m Match) Name() *string {
	if m.Feature == nil {
		return nil
	}
	name := m.Feature.Name
	return &name
}

// Set holds the four boundary layers in classification order.
type Set struct {
	order  []model.Layer
	layers map[model.Layer]*Layer
}

// NewSet builds a Set from specs. Layers keep the order of specs.
func NewSet(specs []LayerSpec) *Set {
	s := &Set{layers: make(map[model.Layer]*Layer, len(specs))}
	for _, spec := range specs {
		s.order = append(s.order, spec.Name)
		s.layers[spec.Name] = NewLayer(spec)
	}
	return s
}

// Layer returns the named layer or nil.
func (s *Set) Layer(name model.Layer) *Layer {
	return s.layers[name]
}

// LoadAll loads every layer concurrently.
func (s *Set) LoadAll(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, name := range s.order {
		l := s.layers[name]
		g.Go(l.Reload)
	}
	return g.Wait()
}

// Reload reloads a single layer, typically after its dataset was refreshed.
func (s *Set) Reload(name model.Layer) error {
	l, ok := s.layers[name]
	if !ok {
		return eris.Errorf("boundary: unknown layer %q", name)
	}
	return l.Reload()
}

// Classify queries every layer for the point.
func (s *Set) Classify(lat, lon float64) ([]Match, error) {
	out := make([]Match, 0, len(s.order))
	for _, name := range s.order {
		l := s.layers[name]
		f, err := l.Query(lat, lon)
		if err != nil {
			return nil, eris.Wrapf(err, "boundary: query %s", name)
		}
		out = append(out, Match{Layer: name, Feature: f, Empty: f == nil && l.Len() == 0})
	}
	return out, nil
}

// Stats reports every layer's load state, in order.
func (s *Set) Stats() []LayerStats {
	out := make([]LayerStats, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.layers[name].Stats())
	}
	return out
}
