package extracthtml

// Extraction kinds for Mapping.Extract.
const (
	ExtractAttr      = "attr"       // attribute of the Nth Selector match inside the cell
	ExtractFirstNode = "first_node" // first child node of the cell
	ExtractText      = "text"       // full text of the cell
)

// Mapping projects one cell of a table row into one output column.
type Mapping struct {
	Column   string `json:"column"`             // output column name
	Cell     int    `json:"cell"`               // 0-based <td> index within the row
	Extract  string `json:"extract"`            // "attr", "first_node", "text"
	Selector string `json:"selector,omitempty"` // used when Extract == "attr"
	Nth      int    `json:"nth,omitempty"`      // 0-based match index for Selector
	Attr     string `json:"attr,omitempty"`     // used when Extract == "attr"
}

// MappingFile describes a mappings JSON file.
type MappingFile struct {
	Columns  []string  `json:"columns,omitempty"` // output order; defaults to mapping order
	Mappings []Mapping `json:"mappings"`
}
