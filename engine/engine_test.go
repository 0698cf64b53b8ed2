package engine_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/trellisql/trellis"
	"github.com/trellisql/trellis/dialect"
	"github.com/trellisql/trellis/engine"
)

// testGraph wires a small shop model: customers with an order collection,
// invoices restricted to their owner, soft-deletable tickets, and a
// product/tag junction.
func testGraph(t *testing.T) *trellis.Graph {
	t.Helper()
	g, err := trellis.NewGraph([]*trellis.Entity{
		{
			Key:        "customer",
			Table:      "Customers",
			ObjectName: "customers",
			Properties: []*trellis.Property{
				{Column: "Id", Name: "id", IsKey: true},
				{Column: "Name", Name: "name"},
				{Column: "Country", Name: "country"},
			},
		},
		{
			Key:        "order",
			Table:      "Orders",
			ObjectName: "orders",
			Properties: []*trellis.Property{
				{Column: "Id", Name: "id", IsKey: true},
				{Column: "Status", Name: "status"},
				{Column: "CustomerId", Name: "customer", ReferencesEntity: "customer", RelatedName: "orders", RelatedAsArray: true},
			},
		},
		{
			Key:              "invoice",
			Table:            "Invoices",
			ObjectName:       "invoices",
			SoftDeleteColumn: "DeletedAt",
			Properties: []*trellis.Property{
				{Column: "Id", Name: "id", IsKey: true},
				{Column: "OwnerId", Name: "ownerId"},
				{Column: "Amount", Name: "amount"},
			},
			Roles: []*trellis.EntityRole{
				{Role: "viewer", ReadOne: true, ReadAll: true, ViewFilter: "ownerId eq $user"},
			},
		},
		{
			Key:              "ticket",
			Table:            "Tickets",
			ObjectName:       "tickets",
			SoftDeleteColumn: "DeletedAt",
			Properties: []*trellis.Property{
				{Column: "Id", Name: "id", IsKey: true},
				{Column: "Subject", Name: "subject"},
				{Column: "CreatedBy", Name: "createdBy", ReadOnly: true, Default: trellis.DefaultCurrentUser},
				{Column: "InvoiceId", Name: "invoice", ReferencesEntity: "invoice"},
			},
		},
		{
			Key:        "product",
			Table:      "Products",
			ObjectName: "products",
			Properties: []*trellis.Property{
				{Column: "Id", Name: "id", IsKey: true},
				{Column: "Title", Name: "title"},
			},
		},
		{
			Key:        "tag",
			Table:      "Tags",
			ObjectName: "tags",
			Properties: []*trellis.Property{
				{Column: "Id", Name: "id", IsKey: true},
				{Column: "Label", Name: "label"},
			},
		},
	}, []*trellis.EntityRelation{{
		Table:                "ProductTags",
		FirstEntity:          "product",
		SecondEntity:         "tag",
		FirstColumn:          "ProductId",
		SecondColumn:         "TagId",
		FirstCollectionName:  "tags",
		SecondCollectionName: "products",
		FirstVisible:         true,
		SecondVisible:        true,
		ValidFromColumn:      "ValidFrom",
		ValidToColumn:        "ValidTo",
	}})
	if err != nil {
		t.Fatalf("building graph: %v", err)
	}
	return g
}

func testExecutor(t *testing.T, opts ...engine.Option) (*engine.Executor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	exec := engine.New(db, dialect.SQLServer{}, engine.StaticGraph{G: testGraph(t)}, opts...)
	return exec, mock
}

func expectations(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestList_Unfiltered(t *testing.T) {
	exec, mock := testExecutor(t)

	mock.ExpectQuery(`SELECT tab0\.Id AS \[id\], tab0\.Name AS \[name\], tab0\.Country AS \[country\]\sFROM \[Customers\] AS tab0\sORDER BY tab0\.Id ASC`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "country"}).
			AddRow("c1", "Ada", "UK").
			AddRow("c2", "Grace", "US"))
	mock.ExpectQuery(`SELECT COUNT\(\*\)\sFROM \[Customers\] AS tab0`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	// The projection keeps the query join-free.
	result, err := exec.List(context.Background(), trellis.Anonymous, trellis.Query{
		Resource:   "customers",
		Projection: []string{"id", "name", "country"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(result.Items))
	}
	if result.Items[0]["name"] != "Ada" || result.Items[1]["name"] != "Grace" {
		t.Errorf("row order lost: %+v", result.Items)
	}
	if result.Total != 2 || result.Filtered != 2 {
		t.Errorf("expected total 2 filtered 2, got %d/%d", result.Total, result.Filtered)
	}
	expectations(t, mock)
}

func TestList_FilterNarrowsAndBindsParams(t *testing.T) {
	exec, mock := testExecutor(t)

	mock.ExpectQuery(`WHERE tab0\.Country = @Filter_Int0\sORDER BY tab0\.Id ASC`).
		WithArgs(sql.Named("Filter_Int0", "UK")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "country"}).
			AddRow("c1", "Ada", "UK"))
	mock.ExpectQuery(`SELECT COUNT\(\*\)\sFROM \[Customers\] AS tab0`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery(`SELECT COUNT\(\*\)\sFROM \[Customers\] AS tab0\sWHERE tab0\.Country = @Filter_Int0`).
		WithArgs(sql.Named("Filter_Int0", "UK")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	result, err := exec.List(context.Background(), trellis.Anonymous, trellis.Query{
		Resource:   "customers",
		Projection: []string{"id", "name", "country"},
		Filter:     &trellis.Comparer{Property: "country", Operator: trellis.OpEq, Filter: "UK"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Total != 2 {
		t.Errorf("total should ignore the caller filter, got %d", result.Total)
	}
	if result.Filtered != 1 {
		t.Errorf("filtered should honor the caller filter, got %d", result.Filtered)
	}
	expectations(t, mock)
}

func TestList_Paging(t *testing.T) {
	exec, mock := testExecutor(t)

	mock.ExpectQuery(`ORDER BY tab0\.Name DESC OFFSET 20 ROWS FETCH NEXT 10 ROWS ONLY`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "country"}).
			AddRow("c21", "Tove", "NO"))
	mock.ExpectQuery(`SELECT COUNT\(\*\)`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(57))

	result, err := exec.List(context.Background(), trellis.Anonymous, trellis.Query{
		Resource:     "customers",
		Projection:   []string{"id", "name", "country"},
		Page:         2,
		PageSize:     10,
		SortProperty: "name",
		SortOrder:    trellis.SortDesc,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Page != 2 || result.Total != 57 {
		t.Errorf("unexpected page/total: %d/%d", result.Page, result.Total)
	}
	expectations(t, mock)
}

func TestList_PermissionFilterScopesEverything(t *testing.T) {
	exec, mock := testExecutor(t)

	mock.ExpectQuery(`FROM \[Invoices\] AS tab0\sWHERE tab0\.DeletedAt IS NULL AND tab0\.OwnerId = @Filter_Int0`).
		WithArgs(sql.Named("Filter_Int0", "u1")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "ownerId", "amount"}).
			AddRow("i1", "u1", 100))
	mock.ExpectQuery(`SELECT COUNT\(\*\)\sFROM \[Invoices\] AS tab0\sWHERE tab0\.DeletedAt IS NULL AND tab0\.OwnerId = @Filter_Int0`).
		WithArgs(sql.Named("Filter_Int0", "u1")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	principal := trellis.StaticPrincipal{ID: "u1", RoleName: "viewer"}
	result, err := exec.List(context.Background(), principal, trellis.Query{Resource: "invoices"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Total != 1 || result.Filtered != 1 {
		t.Errorf("expected 1/1, got %d/%d", result.Total, result.Filtered)
	}
	expectations(t, mock)
}

func TestList_Forbidden(t *testing.T) {
	exec, mock := testExecutor(t)

	principal := trellis.StaticPrincipal{ID: "u1", RoleName: "intruder"}
	_, err := exec.List(context.Background(), principal, trellis.Query{Resource: "invoices"})
	if !trellis.IsForbiddenErr(err) {
		t.Errorf("expected Forbidden, got: %v", err)
	}
	expectations(t, mock)
}

func TestList_AssemblesNestedArrays(t *testing.T) {
	exec, mock := testExecutor(t)

	mock.ExpectQuery(`LEFT JOIN \[Orders\] AS tab1 ON tab1\.CustomerId = tab0\.Id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "country", "orders.id", "orders.status", "orders.customer"}).
			AddRow("c1", "Ada", "UK", "o1", "open", "c1").
			AddRow("c1", "Ada", "UK", "o2", "shipped", "c1").
			AddRow("c2", "Grace", "US", nil, nil, nil))
	mock.ExpectQuery(`SELECT COUNT\(\*\)\sFROM \[Customers\] AS tab0`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	result, err := exec.List(context.Background(), trellis.Anonymous, trellis.Query{Resource: "customers"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Items) != 2 {
		t.Fatalf("join fan-out should collapse to 2 customers, got %d", len(result.Items))
	}

	orders, ok := result.Items[0]["orders"].([]map[string]any)
	if !ok {
		t.Fatalf("expected an orders array, got %T", result.Items[0]["orders"])
	}
	if len(orders) != 2 || orders[0]["id"] != "o1" || orders[1]["status"] != "shipped" {
		t.Errorf("unexpected orders: %+v", orders)
	}

	empty, ok := result.Items[1]["orders"].([]map[string]any)
	if !ok || len(empty) != 0 {
		t.Errorf("customer without orders should get an empty array, got %+v", result.Items[1]["orders"])
	}
	expectations(t, mock)
}

func TestGetOne(t *testing.T) {
	exec, mock := testExecutor(t)

	mock.ExpectQuery(`WHERE tab0\.Id = @Filter_Int0`).
		WithArgs(sql.Named("Filter_Int0", "c1")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "country"}).
			AddRow("c1", "Ada", "UK"))

	item, err := exec.GetOne(context.Background(), trellis.Anonymous, "customers", "c1", []string{"id", "name", "country"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if item["id"] != "c1" || item["name"] != "Ada" {
		t.Errorf("unexpected item: %+v", item)
	}
	expectations(t, mock)
}

func TestGetOne_NotFound(t *testing.T) {
	exec, mock := testExecutor(t)

	mock.ExpectQuery(`WHERE tab0\.Id = @Filter_Int0`).
		WithArgs(sql.Named("Filter_Int0", "nope")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "country"}))

	_, err := exec.GetOne(context.Background(), trellis.Anonymous, "customers", "nope", []string{"id", "name", "country"})
	if !trellis.IsNotFoundErr(err) {
		t.Errorf("expected NotFound, got: %v", err)
	}
	expectations(t, mock)
}

func TestCreate_GeneratesKey(t *testing.T) {
	exec, mock := testExecutor(t, engine.WithIDGenerator(func() string { return "gen-1" }))

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO \[Customers\] \(\[Id\], \[Name\]\) OUTPUT INSERTED\.\[Id\] VALUES \(@Arg0, @Arg1\)`).
		WithArgs(sql.Named("Arg0", "gen-1"), sql.Named("Arg1", "Ada")).
		WillReturnRows(sqlmock.NewRows([]string{"Id"}).AddRow("gen-1"))
	mock.ExpectCommit()

	created, err := exec.Create(context.Background(), trellis.Anonymous, "customers", map[string]any{"name": "Ada"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created["id"] != "gen-1" || created["name"] != "Ada" {
		t.Errorf("unexpected result: %+v", created)
	}
	expectations(t, mock)
}

func TestCreate_UnknownProperty(t *testing.T) {
	exec, mock := testExecutor(t)

	_, err := exec.Create(context.Background(), trellis.Anonymous, "customers", map[string]any{"nickname": "Ada"})
	if !trellis.IsBadRequestErr(err) {
		t.Errorf("expected BadRequest for unknown property, got: %v", err)
	}
	expectations(t, mock)
}

type uniqueViolation struct{}

func (uniqueViolation) Error() string         { return "Violation of UNIQUE KEY constraint" }
func (uniqueViolation) SQLErrorNumber() int32 { return 2627 }

func TestCreate_DuplicateMapsToConflict(t *testing.T) {
	exec, mock := testExecutor(t, engine.WithIDGenerator(func() string { return "gen-1" }))

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO \[Customers\]`).
		WillReturnError(uniqueViolation{})
	mock.ExpectRollback()

	_, err := exec.Create(context.Background(), trellis.Anonymous, "customers", map[string]any{"name": "Ada"})
	if !trellis.IsConflictErr(err) {
		t.Errorf("expected Conflict, got: %v", err)
	}
	expectations(t, mock)
}

func TestUpdate(t *testing.T) {
	exec, mock := testExecutor(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE \[Customers\] SET Name = @Arg0 WHERE Id = @Arg1`).
		WithArgs(sql.Named("Arg0", "Grace"), sql.Named("Arg1", "c1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := exec.Update(context.Background(), trellis.Anonymous, "customers", "c1", map[string]any{"name": "Grace"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expectations(t, mock)
}

func TestUpdate_NoRowIsNotFound(t *testing.T) {
	exec, mock := testExecutor(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE \[Customers\] SET Name = @Arg0 WHERE Id = @Arg1`).
		WithArgs(sql.Named("Arg0", "Grace"), sql.Named("Arg1", "missing")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := exec.Update(context.Background(), trellis.Anonymous, "customers", "missing", map[string]any{"name": "Grace"})
	if !trellis.IsNotFoundErr(err) {
		t.Errorf("expected NotFound, got: %v", err)
	}
	expectations(t, mock)
}

func TestDelete_SoftDelete(t *testing.T) {
	exec, mock := testExecutor(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE \[Tickets\] SET DeletedAt = GETUTCDATE\(\) WHERE Id = @Arg0 AND DeletedAt IS NULL`).
		WithArgs(sql.Named("Arg0", "t1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := exec.Delete(context.Background(), trellis.Anonymous, "tickets", "t1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expectations(t, mock)
}

func TestDelete_Physical(t *testing.T) {
	exec, mock := testExecutor(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM \[Customers\] WHERE Id = @Arg0`).
		WithArgs(sql.Named("Arg0", "c1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := exec.Delete(context.Background(), trellis.Anonymous, "customers", "c1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expectations(t, mock)
}

func TestLink(t *testing.T) {
	exec, mock := testExecutor(t)

	mock.ExpectBegin()
	mock.ExpectExec(`IF NOT EXISTS \(SELECT 1 FROM \[ProductTags\] WHERE \[ProductId\] = @Arg0 AND \[TagId\] = @Arg1\) INSERT INTO \[ProductTags\] \(\[ProductId\], \[TagId\], \[ValidFrom\]\) VALUES \(@Arg0, @Arg1, GETUTCDATE\(\)\)`).
		WithArgs(sql.Named("Arg0", "p1"), sql.Named("Arg1", "t1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := exec.Link(context.Background(), trellis.Anonymous, "products", "p1", "tags", "t1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expectations(t, mock)
}

func TestUnlink_ClosesValidity(t *testing.T) {
	exec, mock := testExecutor(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE \[ProductTags\] SET ValidTo = GETUTCDATE\(\) WHERE ProductId = @Arg0 AND TagId = @Arg1`).
		WithArgs(sql.Named("Arg0", "p1"), sql.Named("Arg1", "t1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := exec.Unlink(context.Background(), trellis.Anonymous, "products", "p1", "tags", "t1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expectations(t, mock)
}

func TestUnlink_UnknownCollection(t *testing.T) {
	exec, mock := testExecutor(t)

	err := exec.Unlink(context.Background(), trellis.Anonymous, "products", "p1", "categories", "c1")
	if !trellis.IsBadRequestErr(err) {
		t.Errorf("expected BadRequest, got: %v", err)
	}
	expectations(t, mock)
}

// Default projections skip nested entities the principal cannot read rather
// than failing the whole request; the foreign key still surfaces as a
// scalar id.
func TestList_PrunesRestrictedNestedResources(t *testing.T) {
	exec, mock := testExecutor(t)

	mock.ExpectQuery(`SELECT tab0\.Id AS \[id\], tab0\.Subject AS \[subject\], tab0\.CreatedBy AS \[createdBy\], tab0\.InvoiceId AS \[invoice\]\sFROM \[Tickets\] AS tab0\sWHERE tab0\.DeletedAt IS NULL\sORDER BY tab0\.Id ASC`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "subject", "createdBy", "invoice"}).
			AddRow("t1", "printer on fire", "u1", "i1"))
	mock.ExpectQuery(`SELECT COUNT\(\*\)\sFROM \[Tickets\] AS tab0\sWHERE tab0\.DeletedAt IS NULL`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	result, err := exec.List(context.Background(), trellis.Anonymous, trellis.Query{Resource: "tickets"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Items) != 1 || result.Items[0]["invoice"] != "i1" {
		t.Errorf("unexpected items: %+v", result.Items)
	}
	expectations(t, mock)
}

func TestList_ExplicitPathIntoRestrictedNestedFails(t *testing.T) {
	exec, mock := testExecutor(t)

	_, err := exec.List(context.Background(), trellis.Anonymous, trellis.Query{
		Resource:   "tickets",
		Projection: []string{"id", "invoice.amount"},
	})
	if !trellis.IsUnauthorizedErr(err) {
		t.Errorf("expected Unauthorized for a named restricted path, got: %v", err)
	}
	expectations(t, mock)
}

func TestCreate_CurrentUserDefault(t *testing.T) {
	exec, mock := testExecutor(t, engine.WithIDGenerator(func() string { return "gen-1" }))

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO \[Tickets\] \(\[Id\], \[Subject\], \[CreatedBy\]\) OUTPUT INSERTED\.\[Id\] VALUES \(@Arg0, @Arg1, @Arg2\)`).
		WithArgs(sql.Named("Arg0", "gen-1"), sql.Named("Arg1", "printer on fire"), sql.Named("Arg2", "u7")).
		WillReturnRows(sqlmock.NewRows([]string{"Id"}).AddRow("gen-1"))
	mock.ExpectCommit()

	principal := trellis.StaticPrincipal{ID: "u7", RoleName: "agent"}
	// The directive overrides the caller-supplied value.
	created, err := exec.Create(context.Background(), principal, "tickets", map[string]any{
		"subject":   "printer on fire",
		"createdBy": "someone-else",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created["createdBy"] != "u7" {
		t.Errorf("createdBy = %v, want the principal id", created["createdBy"])
	}
	expectations(t, mock)
}

// An unauthenticated create on a public entity binds NULL for $currentUser
// instead of panicking or storing an empty string.
func TestCreate_CurrentUserDefaultUnauthenticated(t *testing.T) {
	exec, mock := testExecutor(t, engine.WithIDGenerator(func() string { return "gen-1" }))

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO \[Tickets\] \(\[Id\], \[Subject\], \[CreatedBy\]\) OUTPUT INSERTED\.\[Id\] VALUES \(@Arg0, @Arg1, @Arg2\)`).
		WithArgs(sql.Named("Arg0", "gen-1"), sql.Named("Arg1", "printer on fire"), sql.Named("Arg2", nil)).
		WillReturnRows(sqlmock.NewRows([]string{"Id"}).AddRow("gen-1"))
	mock.ExpectCommit()

	created, err := exec.Create(context.Background(), nil, "tickets", map[string]any{"subject": "printer on fire"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created["createdBy"] != nil {
		t.Errorf("createdBy = %v, want nil", created["createdBy"])
	}
	expectations(t, mock)
}

func TestCreate_WithRelationKeys(t *testing.T) {
	exec, mock := testExecutor(t, engine.WithIDGenerator(func() string { return "gen-1" }))

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO \[Products\] \(\[Id\], \[Title\]\) OUTPUT INSERTED\.\[Id\] VALUES \(@Arg0, @Arg1\)`).
		WithArgs(sql.Named("Arg0", "gen-1"), sql.Named("Arg1", "Lamp")).
		WillReturnRows(sqlmock.NewRows([]string{"Id"}).AddRow("gen-1"))
	mock.ExpectExec(`IF NOT EXISTS \(SELECT 1 FROM \[ProductTags\] WHERE \[ProductId\] = @Arg0 AND \[TagId\] = @Arg1\)`).
		WithArgs(sql.Named("Arg0", "gen-1"), sql.Named("Arg1", "t1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`IF NOT EXISTS \(SELECT 1 FROM \[ProductTags\] WHERE \[ProductId\] = @Arg0 AND \[TagId\] = @Arg1\)`).
		WithArgs(sql.Named("Arg0", "gen-1"), sql.Named("Arg1", "t2")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	created, err := exec.Create(context.Background(), trellis.Anonymous, "products", map[string]any{
		"title": "Lamp",
		"tags":  []any{"t1", "t2"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tags, ok := created["tags"].([]any)
	if !ok || len(tags) != 2 {
		t.Errorf("unexpected tags in result: %+v", created["tags"])
	}
	expectations(t, mock)
}

// A failing junction insert rolls the whole create back, row included.
func TestCreate_RelationInsertFailureRollsBack(t *testing.T) {
	exec, mock := testExecutor(t, engine.WithIDGenerator(func() string { return "gen-1" }))

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO \[Products\]`).
		WillReturnRows(sqlmock.NewRows([]string{"Id"}).AddRow("gen-1"))
	mock.ExpectExec(`IF NOT EXISTS \(SELECT 1 FROM \[ProductTags\]`).
		WillReturnError(uniqueViolation{})
	mock.ExpectRollback()

	_, err := exec.Create(context.Background(), trellis.Anonymous, "products", map[string]any{
		"title": "Lamp",
		"tags":  []any{"missing"},
	})
	if err == nil {
		t.Fatal("expected the junction failure to surface")
	}
	expectations(t, mock)
}

// Updating a relation collection replaces the linked set inside the row's
// transaction: current links are read, wanted ones inserted, stale ones
// closed out.
func TestUpdate_SyncsRelationKeys(t *testing.T) {
	exec, mock := testExecutor(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE \[Products\] SET Title = @Arg0 WHERE Id = @Arg1`).
		WithArgs(sql.Named("Arg0", "Lamp"), sql.Named("Arg1", "p1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT TagId FROM \[ProductTags\] WHERE ProductId = @Arg0 AND ValidFrom <= GETUTCDATE\(\) AND \(ValidTo IS NULL OR ValidTo >= GETUTCDATE\(\)\)`).
		WithArgs(sql.Named("Arg0", "p1")).
		WillReturnRows(sqlmock.NewRows([]string{"TagId"}).AddRow("t1").AddRow("t2"))
	mock.ExpectExec(`IF NOT EXISTS \(SELECT 1 FROM \[ProductTags\]`).
		WithArgs(sql.Named("Arg0", "p1"), sql.Named("Arg1", "t2")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`IF NOT EXISTS \(SELECT 1 FROM \[ProductTags\]`).
		WithArgs(sql.Named("Arg0", "p1"), sql.Named("Arg1", "t3")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE \[ProductTags\] SET ValidTo = GETUTCDATE\(\) WHERE ProductId = @Arg0 AND TagId = @Arg1`).
		WithArgs(sql.Named("Arg0", "p1"), sql.Named("Arg1", "t1")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := exec.Update(context.Background(), trellis.Anonymous, "products", "p1", map[string]any{
		"title": "Lamp",
		"tags":  []any{"t2", "t3"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expectations(t, mock)
}

func TestUpdate_RelationSyncFailureRollsBack(t *testing.T) {
	exec, mock := testExecutor(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE \[Products\] SET Title = @Arg0 WHERE Id = @Arg1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT TagId FROM \[ProductTags\]`).
		WillReturnRows(sqlmock.NewRows([]string{"TagId"}))
	mock.ExpectExec(`IF NOT EXISTS \(SELECT 1 FROM \[ProductTags\]`).
		WillReturnError(uniqueViolation{})
	mock.ExpectRollback()

	err := exec.Update(context.Background(), trellis.Anonymous, "products", "p1", map[string]any{
		"title": "Lamp",
		"tags":  []any{"t9"},
	})
	if err == nil {
		t.Fatal("expected the junction failure to surface")
	}
	expectations(t, mock)
}

// A relation-only update still proves the row is reachable before touching
// the junction.
func TestUpdate_RelationOnlyChecksRow(t *testing.T) {
	exec, mock := testExecutor(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM \[Products\] WHERE Id = @Arg0`).
		WithArgs(sql.Named("Arg0", "missing")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectRollback()

	err := exec.Update(context.Background(), trellis.Anonymous, "products", "missing", map[string]any{
		"tags": []any{"t1"},
	})
	if !trellis.IsNotFoundErr(err) {
		t.Errorf("expected NotFound, got: %v", err)
	}
	expectations(t, mock)
}

func TestUpdate_RelationValueNotList(t *testing.T) {
	exec, mock := testExecutor(t)

	err := exec.Update(context.Background(), trellis.Anonymous, "products", "p1", map[string]any{
		"tags": "t1",
	})
	if !trellis.IsBadRequestErr(err) {
		t.Errorf("expected BadRequest, got: %v", err)
	}
	expectations(t, mock)
}

func TestGuard_BlocksWrites(t *testing.T) {
	exec, mock := testExecutor(t, engine.WithGuard(
		func(ctx context.Context, e *trellis.Entity, c trellis.Capability, values map[string]any) error {
			return trellis.Conflictf("%s version conflict", e.ObjectName)
		}))

	_, err := exec.Create(context.Background(), trellis.Anonymous, "customers", map[string]any{"name": "Ada"})
	if !trellis.IsConflictErr(err) {
		t.Errorf("expected the guard's Conflict, got: %v", err)
	}
	expectations(t, mock)
}
