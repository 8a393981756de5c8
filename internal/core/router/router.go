// Package router holds the HTTP handlers of the building footprint API.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/building-footprints/internal/aggregate"
	"github.com/mohammed-shakir/building-footprints/internal/buildings"
	"github.com/mohammed-shakir/building-footprints/internal/core/model"
)

// Service answers building queries. *buildings.Service satisfies it.
type Service interface {
	Fetch(ctx context.Context, q buildings.Query) (*buildings.Response, error)
	Providers() []string
}

// StatusClientClosedRequest is reported when the caller went away mid-fetch.
const StatusClientClosedRequest = 499

type envelope struct {
	Provider      string               `json:"provider"`
	BuildingCount int                  `json:"building_count"`
	Truncated     bool                 `json:"truncated"`
	Limit         int                  `json:"limit"`
	UpstreamTotal *int64               `json:"upstream_total,omitempty"`
	Cached        bool                 `json:"cached"`
	Statistics    aggregate.Statistics `json:"statistics"`
	Page          int                  `json:"page"`
	PageSize      int                  `json:"page_size"`
	TotalPages    int                  `json:"total_pages"`
	GeoJSON       json.RawMessage      `json:"geojson"`
}

func HandleBuildingsGet(logger *slog.Logger, svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, warn, err := ParseGet(r)
		if warn != "" {
			logger.WarnContext(r.Context(), warn)
		}
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		serve(w, r, logger, svc, req)
	}
}

func HandleBuildingsPost(logger *slog.Logger, svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := ParsePost(w, r)
		if err != nil {
			writeError(w, r, logger, err)
			return
		}
		serve(w, r, logger, svc, req)
	}
}

func HandleProviders(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"providers": svc.Providers()})
	}
}

func serve(w http.ResponseWriter, r *http.Request, logger *slog.Logger, svc Service, req Request) {
	resp, err := svc.Fetch(r.Context(), req.Query)
	if err != nil {
		writeError(w, r, logger, err)
		return
	}

	if req.Format == FormatGeoJSON {
		w.Header().Set("Content-Type", "application/geo+json")
		w.Header().Set("Content-Disposition", `attachment; filename="buildings.geojson"`)
		w.WriteHeader(http.StatusOK)
		if err := aggregate.WriteFeatureCollection(w, resp.Collection); err != nil {
			logger.WarnContext(r.Context(), "write geojson failed", "err", err)
		}
		return
	}

	page := resp.PageItems
	if page == nil {
		page = geojson.NewFeatureCollection()
	}
	raw, err := page.MarshalJSON()
	if err != nil {
		writeError(w, r, logger, err)
		return
	}
	env := envelope{
		Provider:      resp.Provider,
		BuildingCount: resp.BuildingCount,
		Truncated:     resp.Truncated,
		Limit:         resp.Limit,
		Cached:        resp.Cached,
		Statistics:    resp.Statistics,
		Page:          resp.Page,
		PageSize:      resp.PageSize,
		TotalPages:    resp.TotalPages,
		GeoJSON:       raw,
	}
	if resp.UpstreamTotal >= 0 {
		t := resp.UpstreamTotal
		env.UpstreamTotal = &t
	}
	writeJSON(w, http.StatusOK, env)
}

// StatusFor maps pipeline errors onto HTTP statuses.
func StatusFor(err error) int {
	var (
		ce *model.ConnectionError
		ae *model.AuthError
	)
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, model.ErrEmptyOrInvalidArea),
		errors.Is(err, buildings.ErrInvalidParam):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrUnknownProvider):
		return http.StatusNotFound
	case errors.Is(err, model.ErrCancelled):
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return StatusClientClosedRequest
	case errors.As(err, &ce), errors.As(err, &ae):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code := StatusFor(err)
	msg := err.Error()
	if code >= 500 {
		logger.ErrorContext(r.Context(), "request failed", "status", code, "err", err)
		if code == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
