package common

import (
	"net/http"
	"strconv"
)

// ParsePagination extracts limit and offset parameters from query values.
// limit is clamped to maxLimit; a "page" parameter is honoured when offset is absent.
func ParsePagination(r *http.Request, defaultLimit, maxLimit int) (limit, offset int) {
	limit = defaultLimit
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
		limit = l
	}
	if maxLimit > 0 && limit > maxLimit {
		limit = maxLimit
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		return limit, o
	}
	if p, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && p > 1 {
		offset = (p - 1) * limit
	}
	return limit, offset
}
