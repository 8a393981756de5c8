package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/mohammed-shakir/building-footprints/internal/core/config"
	"github.com/mohammed-shakir/building-footprints/internal/core/observability"
)

// StatusError is returned for upstream responses the breaker counts as
// failures (5xx and 429).
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.Code)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

type BreakerSettings struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	MinRequests  uint32
	FailureRatio float64
}

func BreakerFromConfig(c config.BreakerCfg) BreakerSettings {
	return BreakerSettings{
		MaxRequests:  c.MaxRequests,
		Interval:     c.Interval,
		Timeout:      c.Timeout,
		MinRequests:  c.MinRequests,
		FailureRatio: c.FailureRatio,
	}
}

// Guarded rate-limits and circuit-breaks calls to one upstream.
type Guarded struct {
	name string
	hc   *http.Client
	cb   *gobreaker.CircuitBreaker[*http.Response]
	lim  *rate.Limiter
}

// NewGuarded wraps hc. rps <= 0 disables rate limiting.
func NewGuarded(name string, hc *http.Client, rps float64, bs BreakerSettings) *Guarded {
	if hc == nil {
		hc = NewOutbound(0)
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(rps), burst)
	}

	observability.SetBreakerState(name, stateToFloat(gobreaker.StateClosed))
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: bs.MaxRequests,
		Interval:    bs.Interval,
		Timeout:     bs.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.Requests < bs.MinRequests {
				return false
			}
			return float64(c.TotalFailures)/float64(c.Requests) >= bs.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.SetBreakerState(name, stateToFloat(to))
			observability.IncBreakerTransition(name, from.String(), to.String())
		},
	})
	return &Guarded{name: name, hc: hc, cb: cb, lim: lim}
}

// Do waits for a rate token then sends req through the breaker. Non-failure
// responses, including 4xx, are returned to the caller who must close them.
func (g *Guarded) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if err := g.lim.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s rate limit: %w", g.name, err)
	}
	start := time.Now()
	resp, err := g.cb.Execute(func() (*http.Response, error) {
		resp, err := g.hc.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			_ = resp.Body.Close()
			return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}
		return resp, nil
	})
	observability.ObserveUpstreamLatency(g.name, opName(req), time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%s %s %s: %w", g.name, req.Method, req.URL.Path, err)
	}
	return resp, nil
}

func (g *Guarded) State() gobreaker.State { return g.cb.State() }

func opName(req *http.Request) string {
	p := strings.Trim(req.URL.Path, "/")
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		p = p[i+1:]
	}
	if p == "" {
		return strings.ToLower(req.Method)
	}
	// ids would blow up label cardinality
	if strings.ContainsAny(p, "0123456789") && !strings.Contains(p, ":") {
		return strings.ToLower(req.Method)
	}
	return p
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// With returns a Guarded sharing g's breaker and limiter but sending through
// hc, so a re-authenticated client keeps the upstream's failure history.
func (g *Guarded) With(hc *http.Client) *Guarded {
	c := *g
	c.hc = hc
	return &c
}
