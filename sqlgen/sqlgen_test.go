package sqlgen_test

import (
	"testing"

	"github.com/trellisql/trellis"
)

// testGraph builds the shared fixture: orders reference customers through a
// foreign key exposed both ways, products and tags meet in a junction with a
// validity window.
func testGraph(t *testing.T) *trellis.Graph {
	t.Helper()

	customers := &trellis.Entity{
		Key:        "customer",
		Table:      "Customers",
		ObjectName: "customers",
		Properties: []*trellis.Property{
			{Column: "Id", Name: "id", IsKey: true},
			{Column: "Name", Name: "name"},
			{Column: "Country", Name: "country"},
		},
	}
	orders := &trellis.Entity{
		Key:              "order",
		Table:            "Orders",
		ObjectName:       "orders",
		SoftDeleteColumn: "DeletedAt",
		Properties: []*trellis.Property{
			{Column: "Id", Name: "id", IsKey: true},
			{Column: "Status", Name: "status"},
			{Column: "age", Name: "age"},
			{Column: "Total", Name: "total"},
			{Column: "CustomerId", Name: "customer", ReferencesEntity: "customer", RelatedName: "orders", RelatedAsArray: true},
		},
	}
	products := &trellis.Entity{
		Key:        "product",
		Table:      "Products",
		ObjectName: "products",
		Properties: []*trellis.Property{
			{Column: "Id", Name: "id", IsKey: true},
			{Column: "title", Name: "title"},
			{Column: "description", Name: "description"},
		},
	}
	tags := &trellis.Entity{
		Key:        "tag",
		Table:      "Tags",
		ObjectName: "tags",
		Properties: []*trellis.Property{
			{Column: "Id", Name: "id", IsKey: true},
			{Column: "Label", Name: "label"},
		},
	}
	productTags := &trellis.EntityRelation{
		Table:                "ProductTags",
		FirstColumn:          "ProductId",
		SecondColumn:         "TagId",
		FirstEntity:          "product",
		SecondEntity:         "tag",
		FirstCollectionName:  "tags",
		SecondCollectionName: "products",
		FirstVisible:         true,
		SecondVisible:        true,
		ValidFromColumn:      "ValidFrom",
		ValidToColumn:        "ValidTo",
	}

	g, err := trellis.NewGraph(
		[]*trellis.Entity{customers, orders, products, tags},
		[]*trellis.EntityRelation{productTags},
	)
	if err != nil {
		t.Fatalf("building graph: %v", err)
	}
	if err := trellis.Validate(g); err != nil {
		t.Fatalf("validating graph: %v", err)
	}
	return g
}

func entity(t *testing.T, g *trellis.Graph, key string) *trellis.Entity {
	t.Helper()
	e := g.Entity(key)
	if e == nil {
		t.Fatalf("entity %q not in graph", key)
	}
	return e
}
