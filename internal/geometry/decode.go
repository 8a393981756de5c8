// Package geometry converts upstream geometry encodings into orb geometries
// and derives centroids, bounds and metric areas from them.
package geometry

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/building-footprints/internal/core/model"
)

var (
	errMissing     = errors.New("missing geometry")
	errEmpty       = errors.New("empty geometry")
	errNonFinite   = errors.New("non-finite coordinate")
	errUnsupported = errors.New("unsupported geometry type")
)

// Decode accepts WKB bytes, hex WKB, WKT, GeoJSON geometry text or objects,
// and orb geometries. Only points, polygons and multipolygons are accepted;
// collections of polygons are flattened into a MultiPolygon.
func Decode(raw any) (orb.Geometry, error) {
	switch v := raw.(type) {
	case nil:
		return nil, &model.GeometryDecodeError{Err: errMissing}
	case orb.Geometry:
		return supported("native", v)
	case []byte:
		if looksLikeJSON(v) {
			return decodeGeoJSON(v)
		}
		g, err := wkb.Unmarshal(v)
		if err != nil {
			return nil, &model.GeometryDecodeError{Format: "wkb", Err: err}
		}
		return supported("wkb", g)
	case string:
		return decodeText(v)
	case json.RawMessage:
		return decodeGeoJSON(v)
	case map[string]any:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, &model.GeometryDecodeError{Format: "geojson", Err: err}
		}
		return decodeGeoJSON(b)
	default:
		return nil, &model.GeometryDecodeError{Err: fmt.Errorf("%w: %T", errUnsupported, raw)}
	}
}

func decodeText(s string) (orb.Geometry, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, &model.GeometryDecodeError{Err: errMissing}
	}
	if s[0] == '{' {
		return decodeGeoJSON([]byte(s))
	}
	if isHex(s) {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, &model.GeometryDecodeError{Format: "hexwkb", Err: err}
		}
		g, err := wkb.Unmarshal(b)
		if err != nil {
			return nil, &model.GeometryDecodeError{Format: "hexwkb", Err: err}
		}
		return supported("hexwkb", g)
	}
	// EWKT prefix
	if strings.HasPrefix(strings.ToUpper(s), "SRID=") {
		if i := strings.IndexByte(s, ';'); i > 0 {
			s = s[i+1:]
		}
	}
	g, err := wkt.Unmarshal(s)
	if err != nil {
		return nil, &model.GeometryDecodeError{Format: "wkt", Err: err}
	}
	return supported("wkt", g)
}

func decodeGeoJSON(b []byte) (orb.Geometry, error) {
	gj, err := geojson.UnmarshalGeometry(b)
	if err != nil {
		return nil, &model.GeometryDecodeError{Format: "geojson", Err: err}
	}
	return supported("geojson", gj.Geometry())
}

func supported(format string, g orb.Geometry) (orb.Geometry, error) {
	fail := func(err error) (orb.Geometry, error) {
		return nil, &model.GeometryDecodeError{Format: format, Err: err}
	}
	switch v := g.(type) {
	case nil:
		return fail(errMissing)
	case orb.Point:
		if !finite(v) {
			return fail(errNonFinite)
		}
		return v, nil
	case orb.Polygon:
		if len(v) == 0 || len(v[0]) == 0 {
			return fail(errEmpty)
		}
	case orb.MultiPolygon:
		if len(v) == 0 {
			return fail(errEmpty)
		}
		for _, p := range v {
			if len(p) == 0 || len(p[0]) == 0 {
				return fail(errEmpty)
			}
		}
	case orb.Collection:
		mp, err := flatten(v)
		if err != nil {
			return fail(err)
		}
		if len(mp) == 0 {
			return fail(errEmpty)
		}
		g = mp
	default:
		return fail(fmt.Errorf("%w: %s", errUnsupported, g.GeoJSONType()))
	}
	if !allFinite(g) {
		return fail(errNonFinite)
	}
	return g, nil
}

// flatten collects polygonal members of g into one MultiPolygon.
func flatten(g orb.Geometry) (orb.MultiPolygon, error) {
	switch v := g.(type) {
	case orb.Polygon:
		return orb.MultiPolygon{v}, nil
	case orb.MultiPolygon:
		return v, nil
	case orb.Bound:
		return orb.MultiPolygon{v.ToPolygon()}, nil
	case orb.Collection:
		var out orb.MultiPolygon
		for _, m := range v {
			mp, err := flatten(m)
			if err != nil {
				return nil, err
			}
			out = append(out, mp...)
		}
		return out, nil
	case nil:
		return nil, errMissing
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupported, g.GeoJSONType())
	}
}

func looksLikeJSON(b []byte) bool {
	b = bytes.TrimSpace(b)
	return len(b) > 0 && b[0] == '{'
}

func isHex(s string) bool {
	// shortest WKB (a point) is 21 bytes
	if len(s) < 42 || len(s)%2 != 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

func finite(p orb.Point) bool {
	return !math.IsNaN(p[0]) && !math.IsNaN(p[1]) && !math.IsInf(p[0], 0) && !math.IsInf(p[1], 0)
}

func allFinite(g orb.Geometry) bool {
	ok := true
	eachPoint(g, func(p orb.Point) {
		if !finite(p) {
			ok = false
		}
	})
	return ok
}

func eachPoint(g orb.Geometry, fn func(orb.Point)) {
	switch v := g.(type) {
	case orb.Point:
		fn(v)
	case orb.MultiPoint:
		for _, p := range v {
			fn(p)
		}
	case orb.LineString:
		for _, p := range v {
			fn(p)
		}
	case orb.Ring:
		for _, p := range v {
			fn(p)
		}
	case orb.Polygon:
		for _, r := range v {
			eachPoint(r, fn)
		}
	case orb.MultiPolygon:
		for _, p := range v {
			eachPoint(p, fn)
		}
	case orb.Collection:
		for _, m := range v {
			eachPoint(m, fn)
		}
	}
}
