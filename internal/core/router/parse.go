package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/building-footprints/internal/buildings"
	"github.com/mohammed-shakir/building-footprints/internal/geometry"
)

const (
	FormatJSON    = "json"
	FormatGeoJSON = "geojson"

	maxBodyBytes = 8 << 20
)

var errBadRequest = errors.New("bad request")

// Request is a parsed /v1/buildings call.
type Request struct {
	Query  buildings.Query
	Format string
}

// body is the POST form. Geometry may be a geometry, a Feature or a
// FeatureCollection; features are unioned.
type body struct {
	Provider string          `json:"provider"`
	BBox     json.RawMessage `json:"bbox"`
	Geometry json.RawMessage `json:"geometry"`
	Limit    int             `json:"limit"`
	MinArea  float64         `json:"min_area"`
	MaxArea  float64         `json:"max_area"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
	Format   string          `json:"format"`
}

func ParseGet(r *http.Request) (Request, string, error) {
	v := r.URL.Query()
	var warn string

	rawBBox := strings.TrimSpace(v.Get("bbox"))
	rawPoly := strings.TrimSpace(v.Get("polygon"))
	if rawBBox != "" && rawPoly != "" {
		warn = "both bbox and polygon supplied; preferring polygon"
		rawBBox = ""
	}

	var (
		aoi geometry.AreaOfInterest
		err error
	)
	switch {
	case rawPoly != "":
		aoi, err = geometry.ParseGeoJSON([]byte(rawPoly))
	case rawBBox != "":
		aoi, err = geometry.ParseBBox(rawBBox)
	default:
		err = badRequest("missing required parameter: bbox or polygon")
	}
	if err != nil {
		return Request{}, warn, err
	}

	q := buildings.Query{Provider: strings.TrimSpace(v.Get("provider")), AOI: aoi}
	ints := []struct {
		name string
		dst  *int
	}{{"limit", &q.Limit}, {"page", &q.Page}, {"page_size", &q.PageSize}}
	for _, p := range ints {
		if s := v.Get(p.name); s != "" {
			n, err := strconv.Atoi(strings.TrimSpace(s))
			if err != nil || n < 0 {
				return Request{}, warn, badRequest("%s must be a non-negative integer", p.name)
			}
			*p.dst = n
		}
	}
	floats := []struct {
		name string
		dst  *float64
	}{{"min_area", &q.MinArea}, {"max_area", &q.MaxArea}}
	for _, p := range floats {
		if s := v.Get(p.name); s != "" {
			f, err := parseFloat(s)
			if err != nil || f < 0 {
				return Request{}, warn, badRequest("%s must be a non-negative number", p.name)
			}
			*p.dst = f
		}
	}

	format, err := parseFormat(v.Get("format"))
	if err != nil {
		return Request{}, warn, err
	}
	return Request{Query: q, Format: format}, warn, nil
}

func ParsePost(w http.ResponseWriter, r *http.Request) (Request, error) {
	var b body
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		return Request{}, badRequest("decode body: %v", err)
	}

	var (
		aoi geometry.AreaOfInterest
		err error
	)
	switch {
	case len(b.Geometry) > 0 && string(b.Geometry) != "null":
		aoi, err = geometry.ParseGeoJSON(b.Geometry)
	case len(b.BBox) > 0 && string(b.BBox) != "null":
		aoi, err = parseBBoxJSON(b.BBox)
	default:
		err = badRequest("body needs geometry or bbox")
	}
	if err != nil {
		return Request{}, err
	}
	if b.Limit < 0 || b.Page < 0 || b.PageSize < 0 || b.MinArea < 0 || b.MaxArea < 0 {
		return Request{}, badRequest("numeric parameters must be non-negative")
	}
	format, err := parseFormat(b.Format)
	if err != nil {
		return Request{}, err
	}
	return Request{
		Query: buildings.Query{
			Provider: strings.TrimSpace(b.Provider),
			AOI:      aoi,
			Limit:    b.Limit,
			MinArea:  b.MinArea,
			MaxArea:  b.MaxArea,
			Page:     b.Page,
			PageSize: b.PageSize,
		},
		Format: format,
	}, nil
}

func parseBBoxJSON(raw json.RawMessage) (geometry.AreaOfInterest, error) {
	var c [4]float64
	if err := json.Unmarshal(raw, &c); err == nil {
		return geometry.BBoxArea(c)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return geometry.AreaOfInterest{}, badRequest("bbox must be [minx,miny,maxx,maxy] or a string")
	}
	return geometry.ParseBBox(s)
}

func parseFormat(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatGeoJSON:
		return FormatGeoJSON, nil
	default:
		return "", badRequest("format must be json or geojson")
	}
}

func parseFloat(v string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("parse float: %w", err)
	}
	return f, nil
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}
