package aggregate

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/paulmach/orb/geojson"
)

// Numeric attributes always reported, even at zero coverage.
var NumericKeys = []string{"height", "num_floors", "confidence", "area_in_meters"}

// Categorical attributes counted per value.
var CategoricalKeys = []string{"class", "subtype", "roof_shape", "source"}

// coordinates are numeric but not attributes
var ignoredNumeric = map[string]struct{}{"latitude": {}, "longitude": {}}

type NumericStat struct {
	Count       int     `json:"count"`
	Avg         float64 `json:"avg"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	CoveragePct float64 `json:"coverage_pct"`
}

type Frequency struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

type Statistics struct {
	Count       int                    `json:"count"`
	Numeric     map[string]NumericStat `json:"numeric"`
	Categorical map[string][]Frequency `json:"categorical"`
}

func (s Statistics) Heights() NumericStat { return s.Numeric["height"] }

func (s Statistics) Floors() NumericStat { return s.Numeric["num_floors"] }

// AvgConfidence is 0 when no feature carries a confidence.
func (s Statistics) AvgConfidence() float64 { return s.Numeric["confidence"].Avg }

type numAcc struct {
	n             int
	sum, min, max float64
}

func (a *numAcc) add(v float64) {
	if a.n == 0 || v < a.min {
		a.min = v
	}
	if a.n == 0 || v > a.max {
		a.max = v
	}
	a.n++
	a.sum += v
}

// ComputeStatistics summarizes the features of fc. It does not modify fc.
func ComputeStatistics(fc *geojson.FeatureCollection) Statistics {
	var feats []*geojson.Feature
	if fc != nil {
		feats = fc.Features
	}
	total := len(feats)

	nums := make(map[string]*numAcc, len(NumericKeys))
	for _, k := range NumericKeys {
		nums[k] = &numAcc{}
	}
	cats := make(map[string]map[string]int, len(CategoricalKeys))
	for _, k := range CategoricalKeys {
		cats[k] = map[string]int{}
	}

	for _, f := range feats {
		if f == nil {
			continue
		}
		for k, v := range f.Properties {
			if _, skip := ignoredNumeric[k]; skip {
				continue
			}
			x, ok := number(v)
			if !ok {
				continue
			}
			acc := nums[k]
			if acc == nil {
				acc = &numAcc{}
				nums[k] = acc
			}
			acc.add(x)
		}
		for _, k := range CategoricalKeys {
			if s, ok := categorical(f.Properties, k); ok {
				cats[k][s]++
			}
		}
	}

	st := Statistics{
		Count:       total,
		Numeric:     make(map[string]NumericStat, len(nums)),
		Categorical: make(map[string][]Frequency, len(cats)),
	}
	for k, acc := range nums {
		ns := NumericStat{Count: acc.n}
		if acc.n > 0 {
			ns.Avg = acc.sum / float64(acc.n)
			ns.Min = acc.min
			ns.Max = acc.max
		}
		if total > 0 {
			ns.CoveragePct = float64(acc.n) * 100 / float64(total)
		}
		st.Numeric[k] = ns
	}
	for k, counts := range cats {
		st.Categorical[k] = sortedFrequencies(counts)
	}
	return st
}

// sortedFrequencies orders by count desc, then value asc.
func sortedFrequencies(counts map[string]int) []Frequency {
	out := make([]Frequency, 0, len(counts))
	for v, c := range counts {
		out = append(out, Frequency{Value: v, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	return out
}

func number(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int32:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		x, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = x
	default:
		return 0, false
	}
	return f, !math.IsNaN(f) && !math.IsInf(f, 0)
}

// categorical reads a string attribute. "source" falls back from the first
// sources[].dataset to the provider dataset.
func categorical(p geojson.Properties, key string) (string, bool) {
	if key == "source" {
		if srcs, ok := p["sources"].([]any); ok && len(srcs) > 0 {
			if m, ok := srcs[0].(map[string]any); ok {
				if s, ok := m["dataset"].(string); ok && s != "" {
					return s, true
				}
			}
		}
		key = "dataset"
	}
	s, ok := p[key].(string)
	return s, ok && s != ""
}
