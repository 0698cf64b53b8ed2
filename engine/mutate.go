package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/trellisql/trellis"
	"github.com/trellisql/trellis/sqlgen"
)

// Create inserts a new row. values is keyed by external property names,
// matched case-insensitively; unknown names are rejected. A missing key is
// generated, the $currentUser default directive fills from the principal.
// A value keyed by a relation collection name lists the far keys to link;
// the junction rows are written in the same transaction as the row itself.
// The stored key is returned with the written values.
func (e *Executor) Create(ctx context.Context, principal trellis.Principal, resource string, values map[string]any) (map[string]any, error) {
	graph, err := e.graphs.Graph(ctx)
	if err != nil {
		return nil, err
	}
	entity, _, err := trellis.Authorize(principal, graph.Candidates(resource), trellis.CapabilityCreate)
	if err != nil {
		return nil, err
	}
	if e.guard != nil {
		if err := e.guard(ctx, entity, trellis.CapabilityCreate, values); err != nil {
			return nil, err
		}
	}

	provided, rels, err := splitValues(entity, values)
	if err != nil {
		return nil, err
	}

	key := entity.KeyProperty()
	keyValue, hasKey := provided[key.Name]
	if !hasKey {
		keyValue = e.newID()
	}

	columns := []string{key.Column}
	placeholders := []string{e.dialect.Placeholder("Arg0")}
	params := []sqlgen.Param{{Name: "Arg0", Value: keyValue}}

	for _, prop := range entity.Properties {
		if prop.IsKey {
			continue
		}
		value, ok := provided[prop.Name]
		if prop.Default == trellis.DefaultCurrentUser {
			// Server-authoritative: a caller-supplied value is replaced.
			value, ok = currentUserValue(principal), true
			provided[prop.Name] = value
		}
		if !ok {
			continue
		}
		if prop.ReadOnly && prop.Default == "" {
			return nil, trellis.BadRequestf("property %q is read-only", prop.Name)
		}
		name := fmt.Sprintf("Arg%d", len(params))
		columns = append(columns, prop.Column)
		placeholders = append(placeholders, e.dialect.Placeholder(name))
		params = append(params, sqlgen.Param{Name: name, Value: value})
	}

	schema, table := entity.QualifiedTable()
	query, err := e.dialect.InsertReturningID(schema, table, key.Column, columns, placeholders)
	if err != nil {
		return nil, err
	}

	var storedKey any
	err = e.withTx(ctx, func(db trellis.Querier) error {
		if err := db.QueryRowContext(ctx, query, e.args(params)...).Scan(&storedKey); err != nil {
			return err
		}
		for _, rw := range rels {
			if err := e.insertLinks(ctx, db, entity, rw.side, keyValue, rw.keys); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, trellis.MapDBError(err, entity.ObjectName)
	}

	result := make(map[string]any, len(provided)+len(rels)+1)
	for name, value := range provided {
		result[name] = value
	}
	for _, rw := range rels {
		result[rw.side.CollectionName] = rw.keys
	}
	result[key.Name] = normalizeValue(storedKey)
	return result, nil
}

// Update modifies an existing row. The row must satisfy the principal's edit
// filter; a row that exists but is out of reach reports NotFound rather than
// Forbidden, so the error does not leak its existence. A relation collection
// value replaces the linked set: missing links are inserted, links absent
// from the list are closed out, all inside the row's transaction.
func (e *Executor) Update(ctx context.Context, principal trellis.Principal, resource string, id any, values map[string]any) error {
	graph, err := e.graphs.Graph(ctx)
	if err != nil {
		return err
	}
	entity, editFilter, err := trellis.Authorize(principal, graph.Candidates(resource), trellis.CapabilityUpdate)
	if err != nil {
		return err
	}
	if e.guard != nil {
		if err := e.guard(ctx, entity, trellis.CapabilityUpdate, values); err != nil {
			return err
		}
	}

	provided, rels, err := splitValues(entity, values)
	if err != nil {
		return err
	}

	var assignments []string
	var params []sqlgen.Param
	for _, prop := range entity.Properties {
		if prop.IsKey {
			continue
		}
		value, ok := provided[prop.Name]
		if !ok {
			continue
		}
		if prop.ReadOnly {
			return trellis.BadRequestf("property %q is read-only", prop.Name)
		}
		name := fmt.Sprintf("Arg%d", len(params))
		assignments = append(assignments, fmt.Sprintf("%s = %s", prop.Column, e.dialect.Placeholder(name)))
		params = append(params, sqlgen.Param{Name: name, Value: value})
	}
	if len(assignments) == 0 && len(rels) == 0 {
		return trellis.BadRequestf("no writable properties in request")
	}

	where, whereParams, err := e.writeScope(entity, principal, editFilter, id, len(params))
	if err != nil {
		return err
	}

	schema, table := entity.QualifiedTable()
	target := qualifiedName(e.dialect, schema, table)

	err = e.withTx(ctx, func(db trellis.Querier) error {
		if len(assignments) > 0 {
			query := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
				target, strings.Join(assignments, ", "), where)
			if err := execRow(ctx, db, entity, id, query, e.args(append(params, whereParams...))); err != nil {
				return err
			}
		} else {
			// A pure relation sync still has to prove the row is reachable
			// under the principal's edit filter.
			query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", target, where)
			var n int64
			if err := db.QueryRowContext(ctx, query, e.args(whereParams)...).Scan(&n); err != nil {
				return err
			}
			if n == 0 {
				return trellis.NotFoundf("%s %v not found", entity.ObjectName, id)
			}
		}
		for _, rw := range rels {
			if err := e.syncLinks(ctx, db, entity, rw.side, id, rw.keys); err != nil {
				return err
			}
		}
		return nil
	})
	return trellis.MapDBError(err, entity.ObjectName)
}

// Delete removes a row, as a soft delete when the entity declares a
// soft-delete column and physically otherwise.
func (e *Executor) Delete(ctx context.Context, principal trellis.Principal, resource string, id any) error {
	graph, err := e.graphs.Graph(ctx)
	if err != nil {
		return err
	}
	entity, editFilter, err := trellis.Authorize(principal, graph.Candidates(resource), trellis.CapabilityDelete)
	if err != nil {
		return err
	}
	if e.guard != nil {
		if err := e.guard(ctx, entity, trellis.CapabilityDelete, nil); err != nil {
			return err
		}
	}

	where, params, err := e.writeScope(entity, principal, editFilter, id, 0)
	if err != nil {
		return err
	}

	schema, table := entity.QualifiedTable()
	target := qualifiedName(e.dialect, schema, table)
	var query string
	if entity.SoftDeleteColumn != "" {
		query = fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s",
			target, entity.SoftDeleteColumn, e.dialect.CurrentTimestamp(), where)
	} else {
		query = fmt.Sprintf("DELETE FROM %s WHERE %s", target, where)
	}

	err = e.withTx(ctx, func(db trellis.Querier) error {
		return execRow(ctx, db, entity, id, query, e.args(params))
	})
	return trellis.MapDBError(err, entity.ObjectName)
}

// Link attaches a far row to a near row through the junction backing the
// named collection. Linking is idempotent.
func (e *Executor) Link(ctx context.Context, principal trellis.Principal, resource string, id any, collection string, farID any) error {
	entity, side, err := e.relationSide(ctx, principal, resource, collection)
	if err != nil {
		return err
	}
	err = e.withTx(ctx, func(db trellis.Querier) error {
		return e.insertLinks(ctx, db, entity, side, id, []any{farID})
	})
	return trellis.MapDBError(err, entity.ObjectName)
}

// Unlink detaches a far row. Junctions with a validity window or active flag
// keep the row and close it out; plain junctions delete it.
func (e *Executor) Unlink(ctx context.Context, principal trellis.Principal, resource string, id any, collection string, farID any) error {
	entity, side, err := e.relationSide(ctx, principal, resource, collection)
	if err != nil {
		return err
	}
	err = e.withTx(ctx, func(db trellis.Querier) error {
		return e.closeLink(ctx, db, entity, side, id, farID)
	})
	return trellis.MapDBError(err, entity.ObjectName)
}

func (e *Executor) relationSide(ctx context.Context, principal trellis.Principal, resource, collection string) (*trellis.Entity, trellis.RelationSide, error) {
	graph, err := e.graphs.Graph(ctx)
	if err != nil {
		return nil, trellis.RelationSide{}, err
	}
	entity, _, err := trellis.Authorize(principal, graph.Candidates(resource), trellis.CapabilityUpdate)
	if err != nil {
		return nil, trellis.RelationSide{}, err
	}
	side, ok := entity.RelationSideByName(collection)
	if !ok {
		return nil, trellis.RelationSide{}, trellis.BadRequestf("unknown relation %q on %s", collection, entity.ObjectName)
	}
	return entity, side, nil
}

// insertLinks writes one junction row per far key through InsertIfNotExists,
// so re-linking an existing pair is a no-op.
func (e *Executor) insertLinks(ctx context.Context, db trellis.Querier, entity *trellis.Entity, side trellis.RelationSide, id any, farIDs []any) error {
	schema, _ := entity.QualifiedTable()
	query := e.dialect.InsertIfNotExists(schema, side.Relation.Table,
		side.NearColumn, e.dialect.Placeholder("Arg0"),
		side.FarColumn, e.dialect.Placeholder("Arg1"),
		side.Relation.ValidFromColumn)
	for _, farID := range farIDs {
		params := []sqlgen.Param{
			{Name: "Arg0", Value: id},
			{Name: "Arg1", Value: farID},
		}
		if _, err := db.ExecContext(ctx, query, e.args(params)...); err != nil {
			return err
		}
	}
	return nil
}

// closeLink detaches one far key: junctions with a validity window get the
// window closed, junctions with an active flag get it cleared, plain
// junctions lose the row.
func (e *Executor) closeLink(ctx context.Context, db trellis.Querier, entity *trellis.Entity, side trellis.RelationSide, id, farID any) error {
	schema, _ := entity.QualifiedTable()
	target := qualifiedName(e.dialect, schema, side.Relation.Table)
	match := fmt.Sprintf("%s = %s AND %s = %s",
		side.NearColumn, e.dialect.Placeholder("Arg0"),
		side.FarColumn, e.dialect.Placeholder("Arg1"))
	params := []sqlgen.Param{
		{Name: "Arg0", Value: id},
		{Name: "Arg1", Value: farID},
	}

	var query string
	switch {
	case side.Relation.ValidToColumn != "":
		query = fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s AND (%s IS NULL OR %s >= %s)",
			target, side.Relation.ValidToColumn, e.dialect.CurrentTimestamp(), match,
			side.Relation.ValidToColumn, side.Relation.ValidToColumn, e.dialect.CurrentTimestamp())
	case side.Relation.ActiveColumn != "":
		query = fmt.Sprintf("UPDATE %s SET %s = 0 WHERE %s", target, side.Relation.ActiveColumn, match)
	default:
		query = fmt.Sprintf("DELETE FROM %s WHERE %s", target, match)
	}

	_, err := db.ExecContext(ctx, query, e.args(params)...)
	return err
}

// syncLinks reconciles a junction against the full list of far keys the
// caller wants linked: missing links are inserted, currently linked keys
// absent from the list are closed out.
func (e *Executor) syncLinks(ctx context.Context, db trellis.Querier, entity *trellis.Entity, side trellis.RelationSide, id any, farIDs []any) error {
	current, err := e.linkedKeys(ctx, db, entity, side, id)
	if err != nil {
		return err
	}
	if err := e.insertLinks(ctx, db, entity, side, id, farIDs); err != nil {
		return err
	}
	want := make(map[string]bool, len(farIDs))
	for _, far := range farIDs {
		want[fmt.Sprint(far)] = true
	}
	for _, far := range current {
		if want[fmt.Sprint(far)] {
			continue
		}
		if err := e.closeLink(ctx, db, entity, side, id, far); err != nil {
			return err
		}
	}
	return nil
}

// linkedKeys reads the far keys currently linked through the junction,
// scoped to its validity window or active flag.
func (e *Executor) linkedKeys(ctx context.Context, db trellis.Querier, entity *trellis.Entity, side trellis.RelationSide, id any) ([]any, error) {
	schema, _ := entity.QualifiedTable()
	conds := append(
		[]string{fmt.Sprintf("%s = %s", side.NearColumn, e.dialect.Placeholder("Arg0"))},
		sqlgen.RelationValidity(e.dialect, "", side.Relation)...)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		side.FarColumn,
		qualifiedName(e.dialect, schema, side.Relation.Table),
		strings.Join(conds, " AND "))

	rows, err := db.QueryContext(ctx, query, e.args([]sqlgen.Param{{Name: "Arg0", Value: id}})...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []any
	for rows.Next() {
		var key any
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, normalizeValue(key))
	}
	return keys, rows.Err()
}

// writeScope renders the WHERE clause every write runs under: key match,
// edit filter, and soft-delete liveness.
func (e *Executor) writeScope(entity *trellis.Entity, principal trellis.Principal, editFilter *trellis.Comparer, id any, start int) (string, []sqlgen.Param, error) {
	key := entity.KeyProperty()
	name := fmt.Sprintf("Arg%d", start)
	clauses := []string{fmt.Sprintf("%s = %s", key.Column, e.dialect.Placeholder(name))}
	params := []sqlgen.Param{{Name: name, Value: id}}

	if editFilter != nil {
		clause, _, filterParams, err := sqlgen.CompileFilter(editFilter, sqlgen.FilterContext{
			Entity:    entity,
			Dialect:   e.dialect,
			Principal: principal,
		}, 0)
		if err != nil {
			return "", nil, err
		}
		if clause != "" {
			clauses = append(clauses, clause)
			params = append(params, filterParams...)
		}
	}
	if entity.SoftDeleteColumn != "" {
		clauses = append(clauses, fmt.Sprintf("%s IS NULL", entity.SoftDeleteColumn))
	}
	return strings.Join(clauses, " AND "), params, nil
}

// execRow runs a single-row statement and turns zero affected rows into
// NotFound.
func execRow(ctx context.Context, db trellis.Querier, entity *trellis.Entity, id any, query string, args []any) error {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return trellis.NotFoundf("%s %v not found", entity.ObjectName, id)
	}
	return nil
}

// withTx wraps fn in a transaction when the handle can open one; a Querier
// that is already a transaction runs fn directly.
func (e *Executor) withTx(ctx context.Context, fn func(db trellis.Querier) error) error {
	beginner, ok := e.db.(trellis.TxBeginner)
	if !ok {
		return fn(e.db)
	}
	tx, err := beginner.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// relationWrite is one relation collection named in a write request: the
// resolved junction side and the far keys the caller wants linked.
type relationWrite struct {
	side trellis.RelationSide
	keys []any
}

// splitValues maps externally-named values onto entity properties and
// relation collections, case-insensitively, rejecting unknown names.
// Relation writes come back sorted by collection name so the statement order
// is stable.
func splitValues(entity *trellis.Entity, values map[string]any) (map[string]any, []relationWrite, error) {
	props := make(map[string]any, len(values))
	var rels []relationWrite
	for name, value := range values {
		if prop := entity.PropertyByName(name); prop != nil {
			props[prop.Name] = value
			continue
		}
		if side, ok := entity.RelationSideByName(name); ok {
			keys, err := relationKeys(side.CollectionName, value)
			if err != nil {
				return nil, nil, err
			}
			rels = append(rels, relationWrite{side: side, keys: keys})
			continue
		}
		return nil, nil, trellis.BadRequestf("unknown property %q", name)
	}
	sort.Slice(rels, func(i, j int) bool {
		return rels[i].side.CollectionName < rels[j].side.CollectionName
	})
	return props, rels, nil
}

func relationKeys(collection string, value any) ([]any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []any:
		return v, nil
	case []string:
		keys := make([]any, len(v))
		for i, s := range v {
			keys[i] = s
		}
		return keys, nil
	}
	return nil, trellis.BadRequestf("collection %q takes a list of keys", collection)
}

// currentUserValue is what the $currentUser directive binds: the principal's
// id, or NULL when the request is unauthenticated.
func currentUserValue(p trellis.Principal) any {
	if p == nil || !p.IsAuthenticated() {
		return nil
	}
	return p.UserID()
}

func qualifiedName(d interface{ QuoteIdentifier(string) string }, schema, table string) string {
	if schema != "" {
		return d.QuoteIdentifier(schema) + "." + d.QuoteIdentifier(table)
	}
	return d.QuoteIdentifier(table)
}
