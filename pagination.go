package sublimate

// PageInfo contains pagination metadata.
type PageInfo struct {
	HasNextPage     bool `json:"has_next_page" yaml:"has_next_page" msgpack:"has_next_page"`
	HasPreviousPage bool `json:"has_previous_page" yaml:"has_previous_page" msgpack:"has_previous_page"`
	TotalCount      int  `json:"total_count" yaml:"total_count" msgpack:"total_count"`
}

// Page is one page of an offset-paginated query.
type Page[T any] struct {
	Items      []T      `json:"items" yaml:"items" msgpack:"items"`
	Page       int      `json:"page" yaml:"page" msgpack:"page"`
	PageSize   int      `json:"page_size" yaml:"page_size" msgpack:"page_size"`
	TotalItems int      `json:"total_items" yaml:"total_items" msgpack:"total_items"`
	TotalPages int      `json:"total_pages" yaml:"total_pages" msgpack:"total_pages"`
	PageInfo   PageInfo `json:"page_info" yaml:"page_info" msgpack:"page_info"`
}

// DefaultPageSize is the default number of items per page.
const DefaultPageSize = 20

// MaxPageSize is the maximum allowed page size.
const MaxPageSize = 100

func clampPage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}

// Paginate returns the given 1-indexed page of the query together with
// totals.
//
//	page, err := sublimate.Query[Planet](rc).Sort("name", sublimate.Ascending).Paginate(2, 10)
func (q *QueryBuilder[T]) Paginate(page, pageSize int) (*Page[T], error) {
	page, pageSize = clampPage(page, pageSize)

	total, err := q.Count()
	if err != nil {
		return nil, err
	}

	items, err := q.Offset((page - 1) * pageSize).Limit(pageSize).All()
	if err != nil {
		return nil, err
	}

	totalPages := (total + pageSize - 1) / pageSize
	if totalPages < 1 {
		totalPages = 1
	}

	return &Page[T]{
		Items:      items,
		Page:       page,
		PageSize:   pageSize,
		TotalItems: total,
		TotalPages: totalPages,
		PageInfo: PageInfo{
			HasNextPage:     page < totalPages,
			HasPreviousPage: page > 1,
			TotalCount:      total,
		},
	}, nil
}

// PageFromQuery reads "page" and "per" from the request query string.
func PageFromQuery(rc *RequestContext) (page, pageSize int) {
	values := rc.Query()
	page = atoiDefault(values.Get("page"), 1)
	pageSize = atoiDefault(values.Get("per"), DefaultPageSize)
	return clampPage(page, pageSize)
}
