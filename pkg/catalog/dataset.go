package catalog

import (
	"slices"
	"time"
)

type Role string

const (
	RoleMetric     Role = "metric"
	RoleDimension  Role = "dimension"
	RoleTime       Role = "time"
	RoleIdentifier Role = "identifier"
	RoleText       Role = "text"
)

type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
	FormatJSON    Format = "json"
)

type Column struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Role         Role     `json:"role"`
	Distinct     int64    `json:"distinct"`
	NullFraction float64  `json:"null_fraction"`
	Samples      []string `json:"samples,omitempty"`
}

// Dataset is the metadata of one registered dataset. The dataset is queried
// under its name.
type Dataset struct {
	Name string `json:"name"`
	// Source is what the dataset was registered from; Location is the local
	// file the query engine reads, which differs for remote sources.
	Source       string    `json:"source"`
	Location     string    `json:"location"`
	Format       Format    `json:"format"`
	Columns      []Column  `json:"columns"`
	RowCount     int64     `json:"row_count"`
	Quality      float64   `json:"quality"`
	RegisteredAt time.Time `json:"registered_at"`
	// DataThrough is the latest value in the dataset's date and timestamp
	// columns, zero when it has none.
	DataThrough  time.Time `json:"data_through,omitzero"`
}

// FreshAsOf is the time the data is current to: its latest timestamp when
// known, otherwise when it was registered.
func (d Dataset) FreshAsOf() time.Time {
	if !d.DataThrough.IsZero() {
		return d.DataThrough
	}
	return d.RegisteredAt
}

func (d Dataset) Clone() Dataset {
	d.Columns = slices.Clone(d.Columns)
	for i := range d.Columns {
		d.Columns[i].Samples = slices.Clone(d.Columns[i].Samples)
	}
	return d
}

func (d Dataset) Column(name string) (Column, bool) {
	for _, c := range d.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnsWithRole returns the names of the columns with role r, in table order.
func (d Dataset) ColumnsWithRole(r Role) []string {
	var out []string
	for _, c := range d.Columns {
		if c.Role == r {
			out = append(out, c.Name)
		}
	}
	return out
}
