package invalidation

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/paulmach/orb"
)

func mustTS() time.Time { return time.Date(2025, 10, 26, 12, 30, 45, 0, time.UTC) }

const square = `{"type":"Polygon","coordinates":[[[11,55],[12,55],[12,56],[11,56],[11,55]]]}`

func intp(v int) *int { return &v }

func TestEvent_Validate(t *testing.T) {
	base := func() Event {
		return Event{Version: 3, Op: "update", Dataset: "overture", TS: mustTS()}
	}
	cases := []struct {
		name string
		mod  func(*Event)
		ok   bool
	}{
		{"bbox", func(e *Event) { e.BBox = &BBox{X1: 11, Y1: 55, X2: 12, Y2: 56, SRID: "EPSG:4326"} }, true},
		{"bbox without srid", func(e *Event) { e.BBox = &BBox{X1: 11, Y1: 55, X2: 12, Y2: 56} }, true},
		{"polygon", func(e *Event) { e.Geometry = json.RawMessage(square) }, true},
		{"cells", func(e *Event) { e.H3Cells = []string{"862a1072fffffff"}; e.Res = intp(6) }, true},
		{"cells without res", func(e *Event) { e.H3Cells = []string{"862a1072fffffff"} }, false},
		{"bbox and geometry", func(e *Event) {
			e.BBox = &BBox{X1: 11, Y1: 55, X2: 12, Y2: 56}
			e.Geometry = json.RawMessage(square)
		}, false},
		{"nothing", func(*Event) {}, false},
		{"flat bbox", func(e *Event) { e.BBox = &BBox{X1: 11, Y1: 55, X2: 11, Y2: 56} }, false},
		{"wrong srid", func(e *Event) { e.BBox = &BBox{X1: 11, Y1: 55, X2: 12, Y2: 56, SRID: "EPSG:3857"} }, false},
		{"point geometry", func(e *Event) { e.Geometry = json.RawMessage(`{"type":"Point","coordinates":[1,2]}`) }, false},
		{"zero version", func(e *Event) { e.Version = 0; e.Geometry = json.RawMessage(square) }, false},
		{"bad op", func(e *Event) { e.Op = "merge"; e.Geometry = json.RawMessage(square) }, false},
		{"no dataset", func(e *Event) { e.Dataset = " "; e.Geometry = json.RawMessage(square) }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := base()
			tc.mod(&ev)
			err := ev.Validate()
			if (err == nil) != tc.ok {
				t.Fatalf("Validate()=%v want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestEvent_Area(t *testing.T) {
	ev := Event{BBox: &BBox{X1: 11, Y1: 55, X2: 12, Y2: 56}}
	g, err := ev.Area()
	if err != nil {
		t.Fatal(err)
	}
	if g.Bound() != (orb.Bound{Min: orb.Point{11, 55}, Max: orb.Point{12, 56}}) {
		t.Fatalf("bound=%v", g.Bound())
	}

	ev = Event{Geometry: json.RawMessage(square)}
	g, err = ev.Area()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := g.(orb.Polygon); !ok {
		t.Fatalf("got %T", g)
	}
}

func TestEvent_AppliesTo(t *testing.T) {
	if !(Event{Dataset: "*"}).AppliesTo("overture") {
		t.Fatalf("wildcard should apply")
	}
	if !(Event{Dataset: "Overture"}).AppliesTo("overture") {
		t.Fatalf("dataset match is case-insensitive")
	}
	if (Event{Dataset: "openbuildings"}).AppliesTo("overture") {
		t.Fatalf("other dataset applied")
	}
}
