package openbuildings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"golang.org/x/oauth2"

	"github.com/mohammed-shakir/building-footprints/internal/core/config"
	"github.com/mohammed-shakir/building-footprints/internal/core/httpclient"
	"github.com/mohammed-shakir/building-footprints/internal/core/model"
	"github.com/mohammed-shakir/building-footprints/internal/fetcher"
	"github.com/mohammed-shakir/building-footprints/internal/geometry"
)

// seqTokens hands out t1, t2, ... on each call.
type seqTokens struct{ n atomic.Int32 }

func (s *seqTokens) Token() (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: fmt.Sprintf("t%d", s.n.Add(1)), TokenType: "Bearer"}, nil
}

func square(x, y, s float64) string {
	return fmt.Sprintf(`{"type":"Polygon","coordinates":[[[%g,%g],[%g,%g],[%g,%g],[%g,%g],[%g,%g]]]}`,
		x, y, x+s, y, x+s, y+s, x, y+s, x, y)
}

type fakeEE struct {
	t        *testing.T
	accept   string
	total    int
	pages    [][]string
	mu       sync.Mutex
	bodies   []string
	calls    atomic.Int32
	failNext atomic.Bool
}

func (f *fakeEE) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	if r.Header.Get("Authorization") != "Bearer "+f.accept {
		http.Error(w, "bad token", http.StatusUnauthorized)
		return
	}
	if f.failNext.Swap(false) {
		http.Error(w, "backend", http.StatusInternalServerError)
		return
	}
	raw, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.bodies = append(f.bodies, string(raw))
	f.mu.Unlock()

	switch r.URL.Path {
	case "/v1/projects/demo/value:compute":
		_, _ = fmt.Fprintf(w, `{"result": %d}`, f.total)
	case "/v1/projects/demo/table:computeFeatures":
		var req struct {
			PageToken string `json:"pageToken"`
			PageSize  int    `json:"pageSize"`
		}
		_ = json.Unmarshal(raw, &req)
		idx := 0
		if req.PageToken != "" {
			_, _ = fmt.Sscanf(req.PageToken, "p%d", &idx)
		}
		next := ""
		if idx+1 < len(f.pages) {
			next = fmt.Sprintf("p%d", idx+1)
		}
		_, _ = fmt.Fprintf(w, `{"type":"FeatureCollection","features":[%s],"nextPageToken":%q}`,
			strings.Join(f.pages[idx], ","), next)
	default:
		http.NotFound(w, r)
	}
}

func feat(id string, geom string, area float64) string {
	return fmt.Sprintf(`{"type":"Feature","id":%q,"geometry":%s,"properties":{"area_in_meters":%g,"confidence":0.81,"full_plus_code":"6FR5+X"}}`, id, geom, area)
}

func newProvider(t *testing.T, srv *httptest.Server, ts oauth2.TokenSource) *Provider {
	t.Helper()
	return New(config.OpenBuildingsCfg{
		BaseURL: srv.URL, Project: "demo", Table: "GOOGLE/Research/open-buildings/v3/polygons", PageSize: 2,
	}, Options{
		HTTP:        srv.Client(),
		TokenSource: ts,
		Breaker:     httpclient.BreakerSettings{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, MinRequests: 100, FailureRatio: 1},
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func aoi(t *testing.T) geometry.AreaOfInterest {
	t.Helper()
	a, err := geometry.NewAreaOfInterest(orb.Polygon{{{36.80, -1.30}, {36.81, -1.30}, {36.81, -1.29}, {36.80, -1.29}, {36.80, -1.30}}})
	if err != nil {
		t.Fatalf("aoi: %v", err)
	}
	return a
}

func TestFetch_PagesAndReportsTotal(t *testing.T) {
	ee := &fakeEE{t: t, accept: "t1", total: 3, pages: [][]string{
		{feat("1", square(36.801, -1.299, 0.0002), 120), feat("2", square(36.802, -1.298, 0.0002), 95)},
		{feat("3", square(36.803, -1.297, 0.0002), 60)},
	}}
	srv := httptest.NewServer(ee)
	defer srv.Close()

	p := newProvider(t, srv, &seqTokens{})
	res, err := fetcher.New(p).Fetch(context.Background(), fetcher.Request{AOI: aoi(t)}, nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.BuildingCount != 3 || res.UpstreamTotal != 3 || res.Truncated || res.Limit != DefaultLimit {
		t.Fatalf("result=%+v", res)
	}
	props := res.Collection.Features[0].Properties
	if props["id"] != "1" || props["confidence"] != 0.81 || props["full_plus_code"] != "6FR5+X" {
		t.Fatalf("props=%v", props)
	}
	if props["dataset"] != Dataset {
		t.Fatalf("dataset=%v", props["dataset"])
	}

	ee.mu.Lock()
	defer ee.mu.Unlock()
	if !strings.Contains(ee.bodies[0], "Collection.size") || !strings.Contains(ee.bodies[0], "Filter.intersects") {
		t.Fatalf("count expression missing pieces: %s", ee.bodies[0])
	}
	if !strings.Contains(ee.bodies[1], "Collection.limit") || !strings.Contains(ee.bodies[1], "open-buildings/v3/polygons") {
		t.Fatalf("features expression missing pieces: %s", ee.bodies[1])
	}
}

func TestFetch_TruncatedWhenTotalExceedsLimit(t *testing.T) {
	ee := &fakeEE{t: t, accept: "t1", total: 3, pages: [][]string{
		{feat("1", square(36.801, -1.299, 0.0002), 120), feat("2", square(36.802, -1.298, 0.0002), 95)},
		{feat("3", square(36.803, -1.297, 0.0002), 60)},
	}}
	srv := httptest.NewServer(ee)
	defer srv.Close()

	res, err := fetcher.New(newProvider(t, srv, &seqTokens{})).
		Fetch(context.Background(), fetcher.Request{AOI: aoi(t), Limit: 2}, nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.BuildingCount != 2 || !res.Truncated {
		t.Fatalf("count=%d truncated=%v", res.BuildingCount, res.Truncated)
	}
}

func TestFetch_ReconnectsAfterRejectedToken(t *testing.T) {
	ee := &fakeEE{t: t, accept: "t2", total: 1, pages: [][]string{{feat("1", square(36.801, -1.299, 0.0002), 120)}}}
	srv := httptest.NewServer(ee)
	defer srv.Close()

	tokens := &seqTokens{}
	res, err := fetcher.New(newProvider(t, srv, tokens)).Fetch(context.Background(), fetcher.Request{AOI: aoi(t)}, nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.BuildingCount != 1 || tokens.n.Load() != 2 {
		t.Fatalf("count=%d tokens issued=%d", res.BuildingCount, tokens.n.Load())
	}
}

func TestFetch_UpstreamFailureIsConnectionError(t *testing.T) {
	ee := &fakeEE{t: t, accept: "t1", total: 1}
	ee.failNext.Store(true)
	srv := httptest.NewServer(ee)
	defer srv.Close()

	_, err := fetcher.New(newProvider(t, srv, &seqTokens{})).Fetch(context.Background(), fetcher.Request{AOI: aoi(t)}, nil)
	var ce *model.ConnectionError
	if !errors.As(err, &ce) || ce.Provider != Name {
		t.Fatalf("err=%v want ConnectionError", err)
	}
	var se *httpclient.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError {
		t.Fatalf("err=%v want wrapped 500", err)
	}
}

func TestConnect_RequiresProject(t *testing.T) {
	p := New(config.OpenBuildingsCfg{}, Options{TokenSource: &seqTokens{}})
	if _, err := p.Connect(context.Background()); err == nil {
		t.Fatalf("expected error without project")
	}
}

func TestCredentials_PartialServiceAccountRejected(t *testing.T) {
	if _, err := credentials(context.Background(), config.OpenBuildingsCfg{ServiceAccount: "sa@x"}); err == nil {
		t.Fatalf("expected error for service account without key")
	}
}
