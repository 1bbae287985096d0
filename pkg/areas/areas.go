// Package areas defines the closed set of catalog areas an import job can
// target and the schema contract the apply executor resolves tables through.
package areas

import "github.com/pkg/errors"

// Area is one importable slice of the catalog.
type Area string

const (
	Vendor   Area = "vendor"
	Contact  Area = "contact"
	Owner    Area = "owner"
	Offering Area = "offering"
	Contract Area = "contract"
	Project  Area = "project"
	Invoice  Area = "invoice"
	Payment  Area = "payment"
)

// dependencyOrder lists every area in the order apply must process them, so
// parents exist before their children reference them.
var dependencyOrder = []Area{
	Vendor,
	Contact,
	Owner,
	Offering,
	Contract,
	Project,
	Invoice,
	Payment,
}

// parents maps each child area to the area its records attach under.
var parents = map[Area]Area{
	Contact:  Vendor,
	Owner:    Vendor,
	Offering: Vendor,
	Contract: Vendor,
	Project:  Vendor,
	Invoice:  Project,
	Payment:  Invoice,
}

// tables is the fixed schema contract: area to table name. No identifier in
// SQL is ever taken from input data.
var tables = map[Area]string{
	Vendor:   "vendors",
	Contact:  "vendor_contacts",
	Owner:    "vendor_owners",
	Offering: "vendor_offerings",
	Contract: "vendor_contracts",
	Project:  "vendor_projects",
	Invoice:  "vendor_invoices",
	Payment:  "vendor_payments",
}

// parentColumns maps each child area to its parent foreign key column.
var parentColumns = map[Area]string{
	Contact:  "vendor_id",
	Owner:    "vendor_id",
	Offering: "vendor_id",
	Contract: "vendor_id",
	Project:  "vendor_id",
	Invoice:  "project_id",
	Payment:  "invoice_id",
}

// Parse validates an area key. Unknown keys are rejected, never passed on.
func Parse(key string) (Area, error) {
	a := Area(key)
	if _, ok := tables[a]; !ok {
		return "", errors.Errorf("unknown area %q", key)
	}
	return a, nil
}

// DependencyOrder returns every area, parents before children.
func DependencyOrder() []Area {
	out := make([]Area, len(dependencyOrder))
	copy(out, dependencyOrder)
	return out
}

// Parent returns the area a child's records attach under. The vendor area
// has no parent.
func Parent(a Area) (Area, bool) {
	p, ok := parents[a]
	return p, ok
}

// Table resolves an area to its table through the schema contract.
func Table(a Area) string {
	return tables[a]
}

// ParentColumn resolves a child area's foreign key column.
func ParentColumn(a Area) string {
	return parentColumns[a]
}

// Rank returns the area's position in dependency order.
func Rank(a Area) int {
	for i, candidate := range dependencyOrder {
		if candidate == a {
			return i
		}
	}
	return len(dependencyOrder)
}
