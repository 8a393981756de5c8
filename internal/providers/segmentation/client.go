package segmentation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/building-footprints/internal/core/httpclient"
	"github.com/mohammed-shakir/building-footprints/internal/core/model"
)

type jobRequest struct {
	BBox    [4]float64 `json:"bbox"`
	Zoom    int        `json:"zoom"`
	MinArea float64    `json:"min_area,omitempty"`
	MaxArea float64    `json:"max_area,omitempty"`
	Limit   int        `json:"limit,omitempty"`
}

type jobStatus struct {
	ID         string  `json:"id"`
	Status     string  `json:"status"`
	Progress   float64 `json:"progress"`
	TotalMasks *int64  `json:"total_masks"`
	Error      string  `json:"error"`
}

const (
	statusDone   = "done"
	statusFailed = "failed"
)

type mask struct {
	ID        string   `json:"id"`
	WKT       string   `json:"wkt"`
	WKB       string   `json:"wkb"`
	Score     *float64 `json:"score"`
	Stability *float64 `json:"stability"`
}

type maskPage struct {
	Masks      []mask `json:"masks"`
	NextOffset *int   `json:"next_offset"`
}

// client speaks the job service protocol.
type client struct {
	api    *httpclient.Guarded
	base   string
	apiKey string
}

func (c *client) submit(ctx context.Context, jr jobRequest) (jobStatus, error) {
	var st jobStatus
	err := c.do(ctx, http.MethodPost, "/v1/jobs", jr, &st)
	return st, err
}

func (c *client) status(ctx context.Context, id string) (jobStatus, error) {
	var st jobStatus
	err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, &st)
	return st, err
}

func (c *client) masks(ctx context.Context, id string, offset, limit int) (maskPage, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	q.Set("limit", strconv.Itoa(limit))
	var pg maskPage
	err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id)+"/masks?"+q.Encode(), nil, &pg)
	return pg, err
}

func (c *client) cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/jobs/"+url.PathEscape(id), nil, nil)
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.api.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return &model.AuthError{Err: err}
		}
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
