package boundary

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/xy"
)

// supportedExts are the file types a layer folder may contain.
var supportedExts = map[string]bool{
	".geojson": true,
	".json":    true,
	".shp":     true,
}

// listLayerFiles returns the supported files in dir, sorted by name.
func listLayerFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "boundary: read dir %s", dir)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !supportedExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	// os.ReadDir already sorts by filename.
	return files, nil
}

// nameFromFile turns "north_central-region.geojson" into "north central region".
func nameFromFile(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return strings.TrimSpace(strings.NewReplacer("_", " ", "-", " ").Replace(stem))
}

// featureBuilder applies a LayerSpec's naming rules to decoded geometries.
type featureBuilder struct {
	spec     LayerSpec
	source   string
	fallback string
}

func (b featureBuilder) build(props map[string]any, g geom.T) *Feature {
	name, ok := pickString(props, b.spec.NameKeys)
	if !ok {
		name = b.fallback
	}
	extras := make(map[string]any)
	for _, k := range b.spec.ExtrasKeys {
		if v, ok := props[k]; ok && v != nil {
			extras[k] = v
		}
	}
	return newFeature(name, extras, b.source, g)
}

// loadFile decodes every polygon feature in one layer file.
func loadFile(spec LayerSpec, path string) ([]*Feature, error) {
	b := featureBuilder{spec: spec, source: filepath.Base(path), fallback: nameFromFile(path)}

	if strings.EqualFold(filepath.Ext(path), ".shp") {
		return loadShapefile(b, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "boundary: read %s", path)
	}

	feats, err := decodeGeoJSON(b, data)
	if err != nil {
		return nil, err
	}
	if len(feats) > 0 {
		return feats, nil
	}
	return decodeESRI(b, data)
}

// geoJSONHead is the part of a document needed to pick a decoder.
type geoJSONHead struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// decodeGeoJSON handles a FeatureCollection, a single Feature or a bare geometry.
// Documents of any other shape yield no features and no error.
func decodeGeoJSON(b featureBuilder, data []byte) ([]*Feature, error) {
	var head geoJSONHead
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, eris.Wrapf(err, "boundary: parse %s", b.source)
	}

	var out []*Feature
	add := func(props map[string]any, g geom.T) {
		if g == nil {
			return
		}
		if props == nil {
			props = map[string]any{}
		}
		if f := b.build(props, g); f != nil {
			out = append(out, f)
		}
	}

	switch {
	case head.Type == "FeatureCollection":
		var fc geojson.FeatureCollection
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, eris.Wrapf(err, "boundary: decode feature collection %s", b.source)
		}
		for _, f := range fc.Features {
			if f != nil {
				add(f.Properties, f.Geometry)
			}
		}
	case head.Type == "Feature":
		var f geojson.Feature
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, eris.Wrapf(err, "boundary: decode feature %s", b.source)
		}
		add(f.Properties, f.Geometry)
	case head.Type != "" && len(head.Coordinates) > 0:
		var g geom.T
		if err := geojson.Unmarshal(data, &g); err != nil {
			return nil, eris.Wrapf(err, "boundary: decode geometry %s", b.source)
		}
		add(nil, g)
	}
	return out, nil
}

// esriDocument is an ArcGIS REST "f=json" query response.
type esriDocument struct {
	Features []struct {
		Attributes map[string]any `json:"attributes"`
		Geometry   struct {
			Rings [][][]float64 `json:"rings"`
		} `json:"geometry"`
	} `json:"features"`
}

// decodeESRI handles ESRI JSON feature sets with polygon rings.
func decodeESRI(b featureBuilder, data []byte) ([]*Feature, error) {
	var doc esriDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrapf(err, "boundary: decode esri json %s", b.source)
	}

	var out []*Feature
	for _, f := range doc.Features {
		rings := make([][]float64, 0, len(f.Geometry.Rings))
		for _, r := range f.Geometry.Rings {
			if flat := closeRing(r); flat != nil {
				rings = append(rings, flat)
			}
		}
		mp := ringsToMultiPolygon(rings)
		if mp == nil {
			continue
		}
		props := f.Attributes
		if props == nil {
			props = map[string]any{}
		}
		if feat := b.build(props, mp); feat != nil {
			out = append(out, feat)
		}
	}
	return out, nil
}

// closeRing flattens ring points to XY and appends the first point when the ring is open.
// Rings with fewer than four points once closed are dropped.
func closeRing(points [][]float64) []float64 {
	flat := make([]float64, 0, 2*(len(points)+1))
	for _, p := range points {
		if len(p) < 2 {
			return nil
		}
		flat = append(flat, p[0], p[1])
	}
	n := len(flat)
	if n >= 2 && (flat[0] != flat[n-2] || flat[1] != flat[n-1]) {
		flat = append(flat, flat[0], flat[1])
	}
	if len(flat) < 8 {
		return nil
	}
	return flat
}

// ringsToMultiPolygon groups ESRI/shapefile rings into polygons. Clockwise rings start a new
// polygon; counter-clockwise rings are holes of the polygon before them. A counter-clockwise
// ring with no polygon before it is treated as a shell.
func ringsToMultiPolygon(rings [][]float64) *geom.MultiPolygon {
	var polys [][][]float64
	for _, r := range rings {
		if len(polys) == 0 || !xy.IsRingCounterClockwise(geom.XY, r) {
			polys = append(polys, [][]float64{r})
			continue
		}
		last := len(polys) - 1
		polys[last] = append(polys[last], r)
	}
	if len(polys) == 0 {
		return nil
	}

	mp := geom.NewMultiPolygon(geom.XY)
	for _, rs := range polys {
		var flat []float64
		ends := make([]int, 0, len(rs))
		for _, r := range rs {
			flat = append(flat, r...)
			ends = append(ends, len(flat))
		}
		if err := mp.Push(geom.NewPolygonFlat(geom.XY, flat, ends)); err != nil {
			continue
		}
	}
	if mp.NumPolygons() == 0 {
		return nil
	}
	return mp
}

// loadShapefile reads polygon records and their DBF attributes.
func loadShapefile(b featureBuilder, path string) ([]*Feature, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "boundary: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	var out []*Feature
	for reader.Next() {
		_, shape := reader.Shape()
		parts, points, ok := polygonParts(shape)
		if !ok {
			continue
		}

		props := make(map[string]any, len(fields))
		for i, f := range fields {
			props[strings.TrimRight(f.String(), "\x00")] = strings.TrimSpace(reader.Attribute(i))
		}

		var rings [][]float64
		for i := range parts {
			start := int(parts[i])
			end := len(points)
			if i+1 < len(parts) {
				end = int(parts[i+1])
			}
			if start >= end || end > len(points) {
				continue
			}
			coords := make([][]float64, 0, end-start)
			for _, p := range points[start:end] {
				coords = append(coords, []float64{p.X, p.Y})
			}
			if flat := closeRing(coords); flat != nil {
				rings = append(rings, flat)
			}
		}

		mp := ringsToMultiPolygon(rings)
		if mp == nil {
			continue
		}
		if feat := b.build(props, mp); feat != nil {
			out = append(out, feat)
		}
	}
	if err := reader.Err(); err != nil {
		return out, eris.Wrapf(err, "boundary: read shapefile %s", path)
	}
	return out, nil
}

// polygonParts extracts ring offsets and points from polygon shape variants.
func polygonParts(s shp.Shape) ([]int32, []shp.Point, bool) {
	switch p := s.(type) {
	case *shp.Polygon:
		return p.Parts, p.Points, p.NumParts > 0
	case *shp.PolygonZ:
		return p.Parts, p.Points, p.NumParts > 0
	case *shp.PolygonM:
		return p.Parts, p.Points, p.NumParts > 0
	default:
		return nil, nil, false
	}
}
