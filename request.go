package trellis

// SortOrder is the requested sort direction.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Query is the request tuple every surface produces: the REST surface maps
// its parameters onto it directly, and the GraphQL adapter converts a query
// document into the same shape.
type Query struct {
	// Resource is the external object name.
	Resource string
	// Page is zero-based; PageSize 0 disables paging.
	Page     int
	PageSize int
	// SortProperty may be a dotted path navigating into a JSON column.
	SortProperty string
	SortOrder    SortOrder
	// Filter is the caller's comparer tree, nil for none. The permission
	// filter is ANDed in by the orchestrator and cannot be widened here.
	Filter *Comparer
	// Projection optionally restricts output to the listed dotted property
	// paths. Empty means the default projection (all non-hidden
	// properties, recursively).
	Projection []string
}

// ListResult is a page of rows together with pagination metadata.
type ListResult struct {
	// Items are the projected rows, nested per the join plan.
	Items []map[string]any `json:"items"`
	Page  int              `json:"page"`
	// Total counts rows visible under the permission filter alone;
	// Filtered counts rows matching the caller's filter as well.
	Total    int64 `json:"total"`
	Filtered int64 `json:"filtered"`
}
