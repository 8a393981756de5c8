package aggregate

import "github.com/paulmach/orb/geojson"

// Page returns features [pageIndex*pageSize, (pageIndex+1)*pageSize) clipped
// to the collection. Features are shared with fc, not copied. Out of range
// pages are empty.
func Page(fc *geojson.FeatureCollection, pageIndex, pageSize int) *geojson.FeatureCollection {
	out := geojson.NewFeatureCollection()
	if fc == nil || pageIndex < 0 || pageSize <= 0 {
		return out
	}
	n := len(fc.Features)
	lo := pageIndex * pageSize
	if lo >= n || lo/pageSize != pageIndex {
		return out
	}
	hi := min(lo+pageSize, n)
	out.Features = fc.Features[lo:hi:hi]
	return out
}

func TotalPages(n, pageSize int) int {
	if n <= 0 || pageSize <= 0 {
		return 0
	}
	return (n + pageSize - 1) / pageSize
}
