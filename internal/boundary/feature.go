package boundary

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
	"github.com/twpayne/go-geom/xy/location"
)

// Feature is one named area of a layer.
type Feature struct {
	Name   string
	Extras map[string]any
	Source string

	polygons []*geom.Polygon
	bounds   *geom.Bounds
}

func newFeature(name string, extras map[string]any, source string, g geom.T) *Feature {
	polys := polygonsOf(g)
	if len(polys) == 0 {
		return nil
	}
	bounds := geom.NewBounds(geom.XY)
	for _, p := range polys {
		bounds.Extend(p)
	}
	return &Feature{
		Name:     name,
		Extras:   extras,
		Source:   source,
		polygons: polys,
		bounds:   bounds,
	}
}

// polygonsOf flattens a Polygon or MultiPolygon into its non-empty polygons.
// Any other geometry type yields nothing.
func polygonsOf(g geom.T) []*geom.Polygon {
	switch t := g.(type) {
	case *geom.Polygon:
		if t.Empty() || t.NumLinearRings() == 0 {
			return nil
		}
		return []*geom.Polygon{t}
	case *geom.MultiPolygon:
		var out []*geom.Polygon
		for i := 0; i < t.NumPolygons(); i++ {
			out = append(out, polygonsOf(t.Polygon(i))...)
		}
		return out
	default:
		return nil
	}
}

// Bounds returns the feature's bounding box as [minLon, minLat, maxLon, maxLat].
func (f *Feature) Bounds() [4]float64 {
	return [4]float64{f.bounds.Min(0), f.bounds.Min(1), f.bounds.Max(0), f.bounds.Max(1)}
}

// Extra returns the first extras value among keys as a trimmed, non-empty string.
func (f *Feature) Extra(keys ...string) (string, bool) {
	return pickString(f.Extras, keys)
}

// Contains reports whether the point lies strictly inside the feature.
// Points on an edge are outside.
func (f *Feature) Contains(lon, lat float64) bool {
	if lon < f.bounds.Min(0) || lon > f.bounds.Max(0) || lat < f.bounds.Min(1) || lat > f.bounds.Max(1) {
		return false
	}
	pt := geom.Coord{lon, lat}
	for _, p := range f.polygons {
		if polygonContains(p, pt) {
			return true
		}
	}
	return false
}

func polygonContains(p *geom.Polygon, pt geom.Coord) bool {
	layout := p.Layout()
	if xy.LocatePointInRing(layout, pt, p.LinearRing(0).FlatCoords()) != location.Interior {
		return false
	}
	for i := 1; i < p.NumLinearRings(); i++ {
		if xy.LocatePointInRing(layout, pt, p.LinearRing(i).FlatCoords()) != location.Exterior {
			return false
		}
	}
	return true
}

// pickString returns the first value among keys whose string form is non-empty after trimming.
func pickString(props map[string]any, keys []string) (string, bool) {
	for _, k := range keys {
		v, ok := props[k]
		if !ok || v == nil {
			continue
		}
		if s := strings.TrimSpace(stringify(v)); s != "" {
			return s, true
		}
	}
	return "", false
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
