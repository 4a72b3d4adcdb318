// Package boundary loads boundary polygons from disk and answers point-in-polygon queries
// for the municipality, NSC, MPR and custom region layers.
package boundary

import (
	"github.com/sells-group/municipality-check/internal/config"
	"github.com/sells-group/municipality-check/internal/model"
)

// LayerSpec describes where a layer's files live and which properties name its features.
type LayerSpec struct {
	Name       model.Layer
	Dir        string
	NameKeys   []string
	ExtrasKeys []string
}

// Property keys are deliberately broad so exports from different ArcGIS services load as-is.
var (
	municipalityNameKeys   = []string{"MUNICNAME", "municname", "municipality", "name", "NAME"}
	municipalityExtrasKeys = []string{"PROVINCE", "provname", "province", "PROVNAME"}

	// NSC polygons usually come from the zoning layer, which labels them SCHEMENAME / REGION.
	nscNameKeys = []string{
		"SCHEMENAME", "SCHEME",
		"REGION", "REGION_NAME",
		"REGIONDESC", "REGION_DESC",
		"REGION_FULL", "REGIONFULL",
		"REGIONTEXT", "REGION_TEXT",
		"NAME", "name",
		"REGIONLABEL", "REGION_LABEL",
	}

	mprNameKeys    = []string{"REGION", "REGION_NAME", "NAME", "name", "FUNC_DISTR", "FUNC_DIST", "PLANNING_R", "PLANNING_REGION"}
	customNameKeys = []string{"REGION", "REGION_NAME", "NAME", "name", "LABEL", "label"}
)

// DefaultSpecs returns the four layer specs rooted at the configured data folders.
func DefaultSpecs(data config.DataConfig) []LayerSpec {
	return []LayerSpec{
		{Name: model.LayerMunicipality, Dir: data.MunicipalitiesDir, NameKeys: municipalityNameKeys, ExtrasKeys: municipalityExtrasKeys},
		{Name: model.LayerNSC, Dir: data.NSCRegionsDir, NameKeys: nscNameKeys},
		{Name: model.LayerMPR, Dir: data.MPRRegionsDir, NameKeys: mprNameKeys},
		{Name: model.LayerCustom, Dir: data.CustomRegionsDir, NameKeys: customNameKeys},
	}
}
