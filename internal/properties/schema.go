// Package properties maps weakly typed upstream attributes onto typed
// canonical properties. Extraction never fails: bad fields are dropped.
package properties

type Kind int

const (
	String Kind = iota
	Int
	Float
	Bool
	Nested
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case Int:
		return "int"
	case Float:
		return "float"
	case Bool:
		return "bool"
	case Nested:
		return "nested"
	default:
		return "unknown"
	}
}

type Field struct {
	Name    string
	Kind    Kind
	Aliases []string
}

// Schema lists the typed fields of a provider. Keys in Skip are never
// forwarded; every other unknown key is forwarded if it holds a valid value.
type Schema struct {
	Fields []Field
	Skip   []string
}

func (s Schema) known() map[string]struct{} {
	m := make(map[string]struct{}, len(s.Fields)*2+len(s.Skip))
	for _, f := range s.Fields {
		m[f.Name] = struct{}{}
		for _, a := range f.Aliases {
			m[a] = struct{}{}
		}
	}
	for _, k := range s.Skip {
		m[k] = struct{}{}
	}
	return m
}

var OvertureSchema = Schema{
	Fields: []Field{
		{Name: "id", Kind: String},
		{Name: "height", Kind: Float},
		{Name: "num_floors", Kind: Int},
		{Name: "num_floors_underground", Kind: Int},
		{Name: "class", Kind: String},
		{Name: "subtype", Kind: String},
		{Name: "names", Kind: Nested},
		{Name: "level", Kind: Int},
		{Name: "has_parts", Kind: Bool},
		{Name: "is_underground", Kind: Bool},
		{Name: "facade_color", Kind: String},
		{Name: "facade_material", Kind: String},
		{Name: "roof_material", Kind: String},
		{Name: "roof_shape", Kind: String},
		{Name: "roof_direction", Kind: Float},
		{Name: "roof_orientation", Kind: String},
		{Name: "roof_color", Kind: String},
		{Name: "roof_height", Kind: Float},
		{Name: "eave_height", Kind: Float},
		{Name: "min_height", Kind: Float},
		{Name: "min_floor", Kind: Int},
		{Name: "sources", Kind: Nested},
	},
	Skip: []string{"geometry", "bbox"},
}

var OpenBuildingsSchema = Schema{
	Fields: []Field{
		{Name: "id", Kind: String, Aliases: []string{"system:index"}},
		{Name: "area_in_meters", Kind: Float, Aliases: []string{"area"}},
		{Name: "confidence", Kind: Float},
		{Name: "full_plus_code", Kind: String, Aliases: []string{"plus_code"}},
	},
	Skip: []string{"geometry", ".geo"},
}

var SegmentationSchema = Schema{
	Fields: []Field{
		{Name: "id", Kind: String},
		{Name: "confidence", Kind: Float, Aliases: []string{"score", "predicted_iou"}},
		{Name: "stability_score", Kind: Float, Aliases: []string{"stability"}},
		{Name: "area_in_meters", Kind: Float},
	},
	Skip: []string{"geometry", "wkt", "wkb", "mask"},
}
