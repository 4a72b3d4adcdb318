package store

import (
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"
)

// locationSRID is WGS 84, the CRS every layer and geocoder works in.
const locationSRID = 4326

// encodeLocation converts a coordinate pair to an EWKB point with SRID 4326.
// Returns nil, nil when either coordinate is missing.
func encodeLocation(lat, lon *float64) ([]byte, error) {
	if lat == nil || lon == nil {
		return nil, nil
	}
	pt := geom.NewPointFlat(geom.XY, []float64{*lon, *lat}).SetSRID(locationSRID)
	data, err := ewkb.Marshal(pt, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "store: encode location")
	}
	return data, nil
}

// decodeLocation is the inverse of encodeLocation.
func decodeLocation(data []byte) (lat, lon *float64, err error) {
	if len(data) == 0 {
		return nil, nil, nil
	}
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return nil, nil, eris.Wrap(err, "store: decode location")
	}
	pt, ok := g.(*geom.Point)
	if !ok || pt.Empty() {
		return nil, nil, eris.Errorf("store: location is %T, want point", g)
	}
	x, y := pt.X(), pt.Y()
	return &y, &x, nil
}
