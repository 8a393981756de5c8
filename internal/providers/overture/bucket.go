package overture

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// bucketSource lists and reads an S3-compatible bucket over anonymous HTTPS.
type bucketSource struct {
	base *url.URL
	hc   *http.Client
}

func newBucketSource(raw string, hc *http.Client) (*bucketSource, error) {
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse bucket url: %w", err)
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	return &bucketSource{base: u, hc: hc}, nil
}

type listBucketResult struct {
	IsTruncated           bool   `xml:"IsTruncated"`
	NextContinuationToken string `xml:"NextContinuationToken"`
	Contents              []struct {
		Key  string `xml:"Key"`
		Size int64  `xml:"Size"`
	} `xml:"Contents"`
}

func (b *bucketSource) List(ctx context.Context, prefix string) ([]Object, error) {
	var out []Object
	token := ""
	for {
		q := url.Values{}
		q.Set("list-type", "2")
		q.Set("prefix", prefix)
		if token != "" {
			q.Set("continuation-token", token)
		}
		u := *b.base
		u.Path = u.Path + "/"
		u.RawQuery = q.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("build list request: %w", err)
		}
		resp, err := b.hc.Do(req)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		var page listBucketResult
		err = decodeXML(resp, &page)
		if err != nil {
			return nil, err
		}
		for _, c := range page.Contents {
			if strings.HasSuffix(c.Key, ".parquet") {
				out = append(out, Object{Path: c.Key, Size: c.Size})
			}
		}
		if !page.IsTruncated || page.NextContinuationToken == "" {
			break
		}
		token = page.NextContinuationToken
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func decodeXML(resp *http.Response, v any) error {
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("list objects: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := xml.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode listing: %w", err)
	}
	return nil
}

func (b *bucketSource) Open(ctx context.Context, obj Object) (File, error) {
	u := *b.base
	u.Path = u.Path + "/" + strings.TrimLeft(obj.Path, "/")
	return &rangeReader{ctx: ctx, hc: b.hc, url: u.String(), size: obj.Size}, nil
}

// rangeReader implements io.ReaderAt with HTTP Range requests.
type rangeReader struct {
	ctx  context.Context
	hc   *http.Client
	url  string
	size int64
}

func (r *rangeReader) ReadAt(p []byte, off int64) (int, error) {
	if off >= r.size {
		return 0, io.EOF
	}
	end := off + int64(len(p)) - 1
	if end >= r.size {
		end = r.size - 1
	}
	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return 0, fmt.Errorf("build range request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, end))
	resp, err := r.hc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("range read: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body := io.Reader(resp.Body)
	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// server ignored the range
		if _, err := io.CopyN(io.Discard, resp.Body, off); err != nil {
			return 0, fmt.Errorf("range read skip: %w", err)
		}
	default:
		return 0, fmt.Errorf("range read %s: status %d", r.url, resp.StatusCode)
	}

	want := int(end - off + 1)
	n, err := io.ReadFull(body, p[:want])
	if err != nil {
		return n, fmt.Errorf("range read body: %w", err)
	}
	if want < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r *rangeReader) Close() error { return nil }
