package openbuildings

import (
	"github.com/paulmach/orb"
)

// value is one node of an Earth Engine serialized expression graph.
type value map[string]any

func constant(v any) value { return value{"constantValue": v} }

func invoke(fn string, args map[string]any) value {
	return value{"functionInvocationValue": value{"functionName": fn, "arguments": args}}
}

func expression(root value) map[string]any {
	return map[string]any{"result": "0", "values": map[string]any{"0": root}}
}

// filtered is the table restricted to features intersecting area.
func filtered(table string, area orb.MultiPolygon) value {
	return invoke("Collection.filter", map[string]any{
		"collection": invoke("Collection.loadTable", map[string]any{
			"tableId": constant(table),
		}),
		"filter": invoke("Filter.intersects", map[string]any{
			"leftField": constant(".geo"),
			"rightValue": invoke("GeometryConstructors.MultiPolygon", map[string]any{
				"coordinates": constant(area),
				"geodesic":    constant(false),
			}),
		}),
	})
}

func sizeOf(c value) value {
	return invoke("Collection.size", map[string]any{"collection": c})
}

func limited(c value, n int) value {
	if n <= 0 {
		return c
	}
	return invoke("Collection.limit", map[string]any{"collection": c, "limit": constant(n)})
}
