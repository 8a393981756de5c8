package aggregate

import (
	"fmt"
	"io"

	"github.com/paulmach/orb/geojson"
)

// WriteFeatureCollection writes fc as a GeoJSON document.
func WriteFeatureCollection(w io.Writer, fc *geojson.FeatureCollection) error {
	if fc == nil {
		fc = geojson.NewFeatureCollection()
	}
	b, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal feature collection: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write feature collection: %w", err)
	}
	return nil
}
