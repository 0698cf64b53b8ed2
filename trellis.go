// Package trellis exposes relational tables as filterable, nested-JSON
// resources without hand-written per-resource SQL. A metadata graph of
// entities, properties, relations, and role permissions is compiled, per
// request, into a single parameterized SQL statement that performs joins,
// row-level security filtering, sorting, paging, and JSON projection.
//
// # Components
//
// The package is split along the compiler pipeline:
//
//   - trellis (this package): the entity graph model, the comparer (filter)
//     tree, role-based permission resolution, and the query orchestrator.
//   - trellis/dialect: engine-specific SQL rendering behind a stable
//     interface, with SQL Server and PostgreSQL implementations.
//   - trellis/sqlgen: the filter-expression compiler and the recursive
//     join/projection planner.
//   - trellis/gqlquery: the GraphQL adapter that converts a query document
//     into the same request tuple the REST surface produces directly.
//
// # Basic Usage
//
//	graph, _ := trellis.LoadDefinitions(defs)
//	exec := engine.New(db, dialect.SQLServer{}, engine.StaticGraph{G: graph})
//	result, err := exec.List(ctx, principal, trellis.Query{
//	    Resource: "orders",
//	    Filter:   &trellis.Comparer{Property: "status", Operator: trellis.OpEq, Filter: "active"},
//	})
//
// # Transaction Support
//
// The Executor works with *sql.DB, *sql.Tx, or *sql.Conn. Multi-statement
// writes (a primary row plus its junction-table rows) always run inside one
// transaction; partial writes are never observable.
//
// # Concurrency
//
// A Graph is immutable once built. All compiler components are pure functions
// over their inputs and the graph, safe to call from any number of
// goroutines. Parameter counters are threaded per call chain, never shared.
package trellis

import (
	"context"
	"database/sql"
)

// Capability identifies one of the per-role operation flags on an entity.
type Capability int

const (
	CapabilityReadOne Capability = iota
	CapabilityReadAll
	CapabilityCreate
	CapabilityUpdate
	CapabilityDelete
)

// IsRead reports whether the capability is a read (the view filter applies)
// rather than a write (the edit filter applies).
func (c Capability) IsRead() bool {
	return c == CapabilityReadOne || c == CapabilityReadAll
}

// String returns the capability name used in error messages.
func (c Capability) String() string {
	switch c {
	case CapabilityReadOne:
		return "read-one"
	case CapabilityReadAll:
		return "read-all"
	case CapabilityCreate:
		return "create"
	case CapabilityUpdate:
		return "update"
	case CapabilityDelete:
		return "delete"
	}
	return "unknown"
}

// Principal is the authenticated (or anonymous) caller of a query. No
// specific token technology is prescribed; transports adapt their own
// identity type to this interface.
type Principal interface {
	// IsAuthenticated reports whether a verified identity is present.
	IsAuthenticated() bool
	// UserID returns the opaque user identifier, empty when anonymous.
	UserID() string
	// Role returns the role name used for permission resolution.
	Role() string
}

// Anonymous is the Principal used when no identity is present.
var Anonymous Principal = anonymous{}

type anonymous struct{}

func (anonymous) IsAuthenticated() bool { return false }
func (anonymous) UserID() string        { return "" }
func (anonymous) Role() string          { return "" }

// StaticPrincipal is a Principal with fixed values. Useful for tests and for
// CLI tools that act as a configured user.
type StaticPrincipal struct {
	ID       string
	RoleName string
}

func (p StaticPrincipal) IsAuthenticated() bool { return p.ID != "" }
func (p StaticPrincipal) UserID() string        { return p.ID }
func (p StaticPrincipal) Role() string          { return p.RoleName }

// Querier is the database handle interface satisfied by *sql.DB, *sql.Tx,
// and *sql.Conn. Accepting the interface lets the orchestrator run inside a
// caller-managed transaction and see its uncommitted state.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// TxBeginner is implemented by *sql.DB and *sql.Conn. When the Executor's
// Querier also implements TxBeginner, write operations open their own
// transaction; otherwise the caller's transaction is used as-is.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
