package overture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/parquet-go/parquet-go"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/building-footprints/internal/core/model"
	"github.com/mohammed-shakir/building-footprints/internal/fetcher"
)

// stream walks the release file by file and row group by row group. Row
// groups whose bbox statistics miss the query bound are never read.
type stream struct {
	src     Source
	objects []Object
	bound   orb.Bound
	batch   int
	log     *slog.Logger

	fi  int
	cur *cursor
	buf []parquet.Row

	pruned int
}

type cursor struct {
	file   File
	pf     *parquet.File
	cols   columns
	groups []int
	gi     int
	rows   parquet.Rows
}

func (c *cursor) close() {
	if c.rows != nil {
		_ = c.rows.Close()
		c.rows = nil
	}
	_ = c.file.Close()
}

func (s *stream) Total() int64 { return model.UnknownTotal }

func (s *stream) Consumed() float64 {
	if len(s.objects) == 0 {
		return 1
	}
	done := float64(s.fi)
	if s.cur != nil && len(s.cur.groups) > 0 {
		done += float64(s.cur.gi) / float64(len(s.cur.groups))
	}
	return min(done/float64(len(s.objects)), 1)
}

func (s *stream) Close() error {
	if s.cur != nil {
		s.cur.close()
		s.cur = nil
	}
	return nil
}

func (s *stream) Next(ctx context.Context) (fetcher.Batch, error) {
	if s.buf == nil {
		s.buf = make([]parquet.Row, s.batch)
	}
	for {
		if err := ctx.Err(); err != nil {
			return fetcher.Batch{}, err
		}
		if s.cur == nil {
			if s.fi >= len(s.objects) {
				return fetcher.Batch{}, io.EOF
			}
			c, err := s.openFile(ctx, s.objects[s.fi])
			if err != nil {
				return fetcher.Batch{}, err
			}
			s.cur = c
		}
		c := s.cur
		if c.rows == nil {
			if c.gi >= len(c.groups) {
				c.close()
				s.cur = nil
				s.fi++
				continue
			}
			c.rows = c.pf.RowGroups()[c.groups[c.gi]].Rows()
		}

		n, readErr := c.rows.ReadRows(s.buf)
		recs := make([]fetcher.Record, 0, n)
		for i := range n {
			rec, bb, ok := c.cols.toRecord(s.buf[i])
			if ok && !bb.Intersects(s.bound) {
				continue
			}
			recs = append(recs, rec)
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				return fetcher.Batch{}, fmt.Errorf("read rows %s: %w", s.objects[s.fi].Path, readErr)
			}
			_ = c.rows.Close()
			c.rows = nil
			c.gi++
		}
		if len(recs) > 0 {
			return fetcher.Batch{Records: recs}, nil
		}
	}
}

func (s *stream) openFile(ctx context.Context, obj Object) (*cursor, error) {
	f, err := s.src.Open(ctx, obj)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", obj.Path, err)
	}
	pf, err := parquet.OpenFile(f, obj.Size,
		parquet.SkipPageIndex(true),
		parquet.SkipBloomFilters(true),
	)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("open parquet %s: %w", obj.Path, err)
	}
	cols := resolveColumns(pf.Schema())
	if _, ok := cols.leaves[geometryColumn(pf)]; !ok {
		_ = f.Close()
		return nil, fmt.Errorf("%s has no geometry column", obj.Path)
	}

	meta := pf.Metadata()
	groups := make([]int, 0, len(pf.RowGroups()))
	for i := range pf.RowGroups() {
		if i < len(meta.RowGroups) {
			if bb, ok := cols.statBound(meta.RowGroups[i]); ok && !bb.Intersects(s.bound) {
				s.pruned++
				continue
			}
		}
		groups = append(groups, i)
	}
	s.log.DebugContext(ctx, "overture file opened",
		"path", obj.Path, "row_groups", len(pf.RowGroups()), "kept_groups", len(groups))
	return &cursor{file: f, pf: pf, cols: cols, groups: groups}, nil
}

func geometryColumn(pf *parquet.File) int {
	lc, ok := pf.Schema().Lookup(fetcher.GeometryField)
	if !ok {
		return -1
	}
	return lc.ColumnIndex
}
