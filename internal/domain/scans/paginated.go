package scans

// PaginatedResult represents a paginated response with data and metadata
type PaginatedResult struct {
	Data       []*Scan `json:"data"`
	Page       int     `json:"page"`
	PageSize   int     `json:"pageSize"`
	Total      int64   `json:"totalItems"`
	TotalPages int     `json:"totalPages"`
}

// Paginate slices an already ordered list. page is 1-based; out of range pages are empty.
func Paginate(all []*Scan, page, pageSize int) PaginatedResult {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	total := len(all)
	pages := 0
	if total > 0 {
		pages = (total-1)/pageSize + 1
	}

	// page dan pageSize datang dari query string; jangan dikali sebelum dicek
	start, end := total, total
	if page-1 < pages {
		start = (page - 1) * pageSize
		if pageSize < total-start {
			end = start + pageSize
		}
	}
	return PaginatedResult{
		Data:       all[start:end],
		Page:       page,
		PageSize:   pageSize,
		Total:      int64(total),
		TotalPages: pages,
	}
}
