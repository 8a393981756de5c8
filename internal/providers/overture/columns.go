package overture

import (
	"bytes"
	"encoding/binary"
	"math"
	"strings"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/format"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/building-footprints/internal/fetcher"
)

type shape int

const (
	scalar shape = iota
	structField
	scalarList
	structList
)

// leaf describes where one parquet leaf column lands in a record.
type leaf struct {
	name   string
	field  string
	shape  shape
	binary bool
	kind   parquet.Kind
	// definition level at which a list element exists
	repDef int
}

// columns indexes leaves by column index. Shapes deeper than a list of
// structs are not needed by any building property and are skipped.
type columns struct {
	leaves map[int]leaf
	bbox   [4]int // xmin, xmax, ymin, ymax; -1 when absent
}

func resolveColumns(schema *parquet.Schema) columns {
	cols := columns{leaves: map[int]leaf{}, bbox: [4]int{-1, -1, -1, -1}}
	for _, path := range schema.Columns() {
		lc, ok := schema.Lookup(path...)
		if !ok {
			continue
		}
		parts := stripListMarkers(path)
		l := leaf{name: parts[0], kind: lc.Node.Type().Kind()}
		l.binary = l.name == fetcher.GeometryField

		repeated := lc.MaxRepetitionLevel > 0
		switch {
		case len(parts) == 1 && !repeated:
			l.shape = scalar
		case len(parts) == 2 && !repeated:
			l.shape, l.field = structField, parts[1]
		case len(parts) == 1 && lc.MaxRepetitionLevel == 1:
			l.shape, l.repDef = scalarList, repeatedDefLevel(schema, path)
		case len(parts) == 2 && lc.MaxRepetitionLevel == 1:
			l.shape, l.field, l.repDef = structList, parts[1], repeatedDefLevel(schema, path)
		default:
			continue
		}
		cols.leaves[lc.ColumnIndex] = l

		if l.name == "bbox" && l.shape == structField {
			switch l.field {
			case "xmin":
				cols.bbox[0] = lc.ColumnIndex
			case "xmax":
				cols.bbox[1] = lc.ColumnIndex
			case "ymin":
				cols.bbox[2] = lc.ColumnIndex
			case "ymax":
				cols.bbox[3] = lc.ColumnIndex
			}
		}
	}
	return cols
}

func (c columns) hasBBox() bool {
	for _, i := range c.bbox {
		if i < 0 {
			return false
		}
	}
	return true
}

func repeatedDefLevel(schema *parquet.Schema, path []string) int {
	var node parquet.Node = schema
	lvl := 0
	for _, seg := range path {
		var next parquet.Node
		for _, f := range node.Fields() {
			if f.Name() == seg {
				next = f
				break
			}
		}
		if next == nil {
			break
		}
		node = next
		if node.Optional() || node.Repeated() {
			lvl++
		}
		if node.Repeated() {
			return lvl
		}
	}
	return lvl
}

func stripListMarkers(path []string) []string {
	out := make([]string, 0, len(path))
	for _, p := range path {
		switch p {
		case "list", "element", "array", "item", "bag":
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return []string{strings.Join(path, ".")}
	}
	return out
}

// toRecord rebuilds a record from a flat row. The second return is the
// row bbox, ok=false when the file carries no bbox columns.
func (c columns) toRecord(row parquet.Row) (fetcher.Record, orb.Bound, bool) {
	rec := fetcher.Record{}
	lists := map[string]map[string][]any{}
	var bb [4]float64
	var bbSeen int

	for _, v := range row {
		col := v.Column()
		l, ok := c.leaves[col]
		if !ok {
			continue
		}
		val := c.value(v, l)
		for i, bc := range c.bbox {
			if bc == col && val != nil {
				if f, ok := val.(float64); ok {
					bb[i] = f
					bbSeen++
				}
			}
		}

		switch l.shape {
		case scalar:
			if val != nil {
				rec[l.name] = val
			}
		case structField:
			if val == nil {
				continue
			}
			m, _ := rec[l.name].(map[string]any)
			if m == nil {
				m = map[string]any{}
				rec[l.name] = m
			}
			m[l.field] = val
		case scalarList:
			// an empty or null list shows up as one value below repDef
			if v.DefinitionLevel() < l.repDef {
				continue
			}
			s, _ := rec[l.name].([]any)
			rec[l.name] = append(s, val)
		case structList:
			if v.DefinitionLevel() < l.repDef {
				continue
			}
			fields := lists[l.name]
			if fields == nil {
				fields = map[string][]any{}
				lists[l.name] = fields
			}
			fields[l.field] = append(fields[l.field], val)
		}
	}

	for name, fields := range lists {
		n := 0
		for _, vs := range fields {
			n = max(n, len(vs))
		}
		items := make([]any, 0, n)
		for i := range n {
			item := map[string]any{}
			for f, vs := range fields {
				if i < len(vs) && vs[i] != nil {
					item[f] = vs[i]
				}
			}
			items = append(items, item)
		}
		rec[name] = items
	}

	if bbSeen < 4 {
		return rec, orb.Bound{}, false
	}
	return rec, orb.Bound{Min: orb.Point{bb[0], bb[2]}, Max: orb.Point{bb[1], bb[3]}}, true
}

func (c columns) value(v parquet.Value, l leaf) any {
	if v.IsNull() {
		return nil
	}
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		if l.binary {
			return bytes.Clone(v.ByteArray())
		}
		return string(v.ByteArray())
	default:
		return nil
	}
}

// statBound reads the bbox column statistics of a row group. ok is false
// when any statistic is missing, in which case the group cannot be pruned.
func (c columns) statBound(rg format.RowGroup) (orb.Bound, bool) {
	if !c.hasBBox() {
		return orb.Bound{}, false
	}
	// min of xmin, max of xmax, min of ymin, max of ymax
	var vals [4]float64
	for i, col := range c.bbox {
		if col >= len(rg.Columns) {
			return orb.Bound{}, false
		}
		st := rg.Columns[col].MetaData.Statistics
		raw := st.MinValue
		if i == 1 || i == 3 {
			raw = st.MaxValue
		}
		f, ok := decodeFloat(raw, c.leaves[col].kind)
		if !ok {
			return orb.Bound{}, false
		}
		vals[i] = f
	}
	return orb.Bound{Min: orb.Point{vals[0], vals[2]}, Max: orb.Point{vals[1], vals[3]}}, true
}

func decodeFloat(raw []byte, k parquet.Kind) (float64, bool) {
	switch {
	case k == parquet.Float && len(raw) == 4:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(raw))), true
	case k == parquet.Double && len(raw) == 8:
		return math.Float64frombits(binary.LittleEndian.Uint64(raw)), true
	default:
		return 0, false
	}
}
