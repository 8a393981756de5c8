// Package keys builds deterministic cache keys for fetch results and the
// H3 cell index.
package keys

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/building-footprints/internal/core/model"
)

const (
	prefix = "fp:v1"
	// BBoxDecimals is the rounding applied before hashing a bbox.
	BBoxDecimals = 6
)

var paramSpaces = regexp.MustCompile(`\s*([=,])\s*`)

// ResultKey hashes the rounded bbox, limit and filter params into a fixed
// length id. Bboxes equal after rounding give the same key.
func ResultKey(provider string, bbox model.BBox, limit int, params string) string {
	r := bbox.Rounded(BBoxDecimals)
	canon := fmt.Sprintf("%s|%.6f,%.6f,%.6f,%.6f|%d|%s",
		strings.ToLower(strings.TrimSpace(provider)), r.X1, r.Y1, r.X2, r.Y2, limit, normalizeParams(params))
	return fmt.Sprintf("%s:%s:%016x", prefix, sanitizeProvider(provider), xxhash.Sum64String(canon))
}

// ProviderPrefix is the common prefix of every result key of provider.
func ProviderPrefix(provider string) string {
	return fmt.Sprintf("%s:%s:", prefix, sanitizeProvider(provider))
}

// CellIndexKey names the set of result keys registered under one H3 cell.
func CellIndexKey(res int, cell string) string {
	return fmt.Sprintf("%s:cell:%d:%s", prefix, res, sanitizeProvider(cell))
}

func normalizeParams(s string) string {
	s = collapseASCIIWhitespace(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	return paramSpaces.ReplaceAllString(s, "$1")
}

func sanitizeProvider(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "none"
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := r
		if !isAlphaNum(r) && r != '_' && r != '-' {
			out = '-'
		}
		if out == '-' && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

// converts any run of ASCII whitespace to a single space.
func collapseASCIIWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	wasWS := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f' {
			if !wasWS {
				b.WriteByte(' ')
				wasWS = true
			}
			continue
		}
		b.WriteRune(r)
		wasWS = false
	}
	return strings.TrimSpace(b.String())
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r < unicode.MaxASCII && unicode.IsDigit(r))
}
