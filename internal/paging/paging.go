package paging

import "strings"

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Direction is a sort direction
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Request holds pagination and ordering input
type Request struct {
	Page     int
	PageSize int
	OrderBy  string
	Dir      Direction
}

// Window is a resolved offset/limit pair
type Window struct {
	Offset int
	Limit  int
}

// Page is a paginated result
type Page[T any] struct {
	Items       []T `json:"items"`
	TotalRows   int `json:"totalRows"`
	TotalPages  int `json:"totalPages"`
	CurrentPage int `json:"currentPage"`
	PageSize    int `json:"pageSize"`
}

// Normalize applies defaults and bounds to the page size
func (r Request) Normalize() Request {
	if r.PageSize <= 0 {
		r.PageSize = DefaultPageSize
	}
	if r.PageSize > MaxPageSize {
		r.PageSize = MaxPageSize
	}
	if r.Page < 1 {
		r.Page = 1
	}
	if !strings.EqualFold(string(r.Dir), string(Asc)) {
		r.Dir = Desc
	} else {
		r.Dir = Asc
	}
	return r
}

// TotalPages returns ceil(total/pageSize)
func TotalPages(total, pageSize int) int {
	if pageSize <= 0 || total <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}

// Clamp bounds page into [1, totalPages]; an empty result is page 1.
func Clamp(page, totalPages int) int {
	if totalPages < 1 {
		return 1
	}
	if page < 1 {
		return 1
	}
	if page > totalPages {
		return totalPages
	}
	return page
}

// Resolve computes the window for a request given the total row count
func (r Request) Resolve(total int) (Window, int, int) {
	n := r.Normalize()
	pages := TotalPages(total, n.PageSize)
	current := Clamp(n.Page, pages)
	return Window{Offset: (current - 1) * n.PageSize, Limit: n.PageSize}, current, pages
}

// Build assembles a page from items loaded for the resolved window
func Build[T any](r Request, total int, items []T) Page[T] {
	n := r.Normalize()
	_, current, pages := n.Resolve(total)
	if items == nil {
		items = []T{}
	}
	return Page[T]{
		Items:       items,
		TotalRows:   total,
		TotalPages:  pages,
		CurrentPage: current,
		PageSize:    n.PageSize,
	}
}

// OrderColumn returns the whitelisted column for the requested order key,
// falling back to def.
func (r Request) OrderColumn(allowed map[string]string, def string) string {
	if col, ok := allowed[r.OrderBy]; ok {
		return col
	}
	return def
}
