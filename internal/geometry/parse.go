package geometry

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/building-footprints/internal/core/model"
)

// ParseBBox reads "minx,miny,maxx,maxy" with an optional trailing
// ",EPSG:4326".
func ParseBBox(raw string) (AreaOfInterest, error) {
	parts := strings.Split(raw, ",")
	if len(parts) == 5 {
		srid := strings.ToUpper(strings.TrimSpace(parts[4]))
		if srid != "EPSG:4326" {
			return AreaOfInterest{}, model.InvalidArea("only EPSG:4326 is supported (got %q)", srid)
		}
		parts = parts[:4]
	}
	if len(parts) != 4 {
		return AreaOfInterest{}, model.InvalidArea("bbox: expected minx,miny,maxx,maxy[,EPSG:4326]")
	}
	var c [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return AreaOfInterest{}, model.InvalidArea("bbox value %d: %v", i+1, err)
		}
		c[i] = f
	}
	return BBoxArea(c)
}

// BBoxArea validates c as [minx,miny,maxx,maxy] in EPSG:4326.
func BBoxArea(c [4]float64) (AreaOfInterest, error) {
	b := model.BBox{X1: c[0], Y1: c[1], X2: c[2], Y2: c[3], SRID: model.SRIDWGS84}
	if !(b.X1 >= -180 && b.X2 <= 180 && b.Y1 >= -90 && b.Y2 <= 90) {
		return AreaOfInterest{}, model.InvalidArea("bbox %s outside EPSG:4326", b)
	}
	return AreaOfInterestFromBBox(b)
}

// ParseGeoJSON builds an area from a GeoJSON geometry, Feature or
// FeatureCollection. Multiple features are unioned.
func ParseGeoJSON(raw []byte) (AreaOfInterest, error) {
	var hdr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return AreaOfInterest{}, model.InvalidArea("geojson: %v", err)
	}

	var geoms []orb.Geometry
	switch hdr.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(raw)
		if err != nil {
			return AreaOfInterest{}, model.InvalidArea("geojson: %v", err)
		}
		for _, f := range fc.Features {
			geoms = append(geoms, f.Geometry)
		}
	case "Feature":
		f, err := geojson.UnmarshalFeature(raw)
		if err != nil {
			return AreaOfInterest{}, model.InvalidArea("geojson: %v", err)
		}
		geoms = append(geoms, f.Geometry)
	default:
		g, err := geojson.UnmarshalGeometry(raw)
		if err != nil {
			return AreaOfInterest{}, model.InvalidArea("geojson: %v", err)
		}
		geoms = append(geoms, g.Geometry())
	}
	if len(geoms) == 0 {
		return AreaOfInterest{}, model.InvalidArea("no geometries given")
	}
	return NewAreaOfInterest(geoms...)
}
