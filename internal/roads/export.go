package roads

import (
	"fmt"

	"github.com/paulmach/orb/geojson"
)

// ExportGeoJSON renders segments as a FeatureCollection of LineStrings with
// name and osm_id properties, the format Parse also accepts
func ExportGeoJSON(segments []Segment) ([]byte, error) {
	fc := geojson.NewFeatureCollection()
	for _, s := range segments {
		if len(s.Geometry) < 2 || s.Name == "" {
			continue
		}
		f := geojson.NewFeature(s.Geometry)
		f.Properties["name"] = s.Name
		if s.ID != 0 {
			f.Properties["osm_id"] = s.ID
		}
		fc.Append(f)
	}

	data, err := fc.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal feature collection: %w", err)
	}
	return data, nil
}
