// Package datasets refreshes the on-disk boundary layers from their ArcGIS sources.
package datasets

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/municipality-check/internal/arcgis"
	"github.com/sells-group/municipality-check/internal/boundary"
	"github.com/sells-group/municipality-check/internal/config"
	"github.com/sells-group/municipality-check/internal/model"
)

// ErrInvalidWhich is returned for an unknown layer selector.
var ErrInvalidWhich = eris.New("Invalid 'which'. Use all|municipality|nsc|mpr")

// MissingURLError reports a refreshable layer with no source URL configured.
type MissingURLError struct {
	Layer  model.Layer
	EnvVar string
}

func (e *MissingURLError) Error() string {
	return "Missing " + e.EnvVar
}

// LayerRefresh is the outcome of refreshing one layer.
type LayerRefresh struct {
	Features int    `json:"features"`
	File     string `json:"file"`
}

// Fetcher downloads one layer. *arcgis.Fetcher satisfies it.
type Fetcher interface {
	FetchLayer(ctx context.Context, layerURL, outPath string) (*arcgis.FetchResult, error)
}

// source describes where one refreshable layer comes from and where it lands.
type source struct {
	layer  model.Layer
	url    string
	envVar string
	dir    string
	file   string
}

// Refresher downloads layers and reloads them into the boundary set.
type Refresher struct {
	fetcher Fetcher
	set     *boundary.Set
	sources map[model.Layer]source
}

// refreshOrder is the order layers are fetched in for "all".
var refreshOrder = []model.Layer{model.LayerMunicipality, model.LayerNSC, model.LayerMPR}

var aliases = map[string]model.Layer{
	"municipality":      model.LayerMunicipality,
	"mun":               model.LayerMunicipality,
	"muni":              model.LayerMunicipality,
	"nsc":               model.LayerNSC,
	"northsouthcentral": model.LayerNSC,
	"mpr":               model.LayerMPR,
	"planning":          model.LayerMPR,
	"planningregions":   model.LayerMPR,
}

// NewRefresher wires layer sources from configuration. set may be nil when no
// in-process layers need reloading (e.g. the CLI).
func NewRefresher(fetcher Fetcher, set *boundary.Set, arc config.ArcGISConfig, data config.DataConfig) *Refresher {
	return &Refresher{
		fetcher: fetcher,
		set:     set,
		sources: map[model.Layer]source{
			model.LayerMunicipality: {
				layer: model.LayerMunicipality, url: arc.MunicipalLayerURL,
				envVar: "MAC_ETHEKWINI_MUNICIPAL_LAYER_URL",
				dir:    data.MunicipalitiesDir, file: "ethekwini_municipality.json",
			},
			model.LayerNSC: {
				layer: model.LayerNSC, url: arc.NSCLayerURL,
				envVar: "MAC_ETHEKWINI_NSC_LAYER_URL",
				dir:    data.NSCRegionsDir, file: "ethekwini_nsc.json",
			},
			model.LayerMPR: {
				layer: model.LayerMPR, url: arc.MPRLayerURL,
				envVar: "MAC_ETHEKWINI_MPR_LAYER_URL",
				dir:    data.MPRRegionsDir, file: "ethekwini_mpr.json",
			},
		},
	}
}

// ParseWhich resolves a layer selector. Empty and "all" select every refreshable layer.
func ParseWhich(which string) ([]model.Layer, error) {
	w := strings.ToLower(strings.TrimSpace(which))
	if w == "" || w == "all" {
		return refreshOrder, nil
	}
	if l, ok := aliases[w]; ok {
		return []model.Layer{l}, nil
	}
	return nil, ErrInvalidWhich
}

// Refresh downloads the selected layers, keyed by layer name in the result.
// Every selected layer's URL is checked before anything is fetched. A fetch failure
// stops the refresh; layers fetched before it stay on disk and loaded.
func (r *Refresher) Refresh(ctx context.Context, which string) (map[string]LayerRefresh, error) {
	layers, err := ParseWhich(which)
	if err != nil {
		return nil, err
	}

	for _, src := range r.sources {
		if err := os.MkdirAll(src.dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "datasets: create %s", src.dir)
		}
	}

	for _, l := range layers {
		src := r.sources[l]
		if strings.TrimSpace(src.url) == "" {
			return nil, &MissingURLError{Layer: l, EnvVar: src.envVar}
		}
	}

	out := make(map[string]LayerRefresh, len(layers))
	for _, l := range layers {
		src := r.sources[l]
		path := filepath.Join(src.dir, src.file)

		res, err := r.fetcher.FetchLayer(ctx, src.url, path)
		if err != nil {
			return out, eris.Wrapf(err, "datasets: fetch %s", l)
		}
		out[string(l)] = LayerRefresh{Features: res.FeatureCount, File: res.Path}

		if r.set != nil {
			if err := r.set.Reload(l); err != nil {
				return out, eris.Wrapf(err, "datasets: reload %s", l)
			}
		}
		zap.L().Info("dataset refreshed",
			zap.String("layer", string(l)),
			zap.Int("features", res.FeatureCount),
			zap.String("file", res.Path),
		)
	}
	return out, nil
}

// Status reports every boundary layer's folder and contents. Layers are loaded
// if they have not been yet.
func Status(set *boundary.Set) []boundary.LayerStats {
	for _, l := range model.Layers {
		if layer := set.Layer(l); layer != nil && !layer.Stats().Loaded {
			if err := layer.Reload(); err != nil {
				zap.L().Warn("dataset status: load failed", zap.String("layer", string(l)), zap.Error(err))
			}
		}
	}
	return set.Stats()
}
