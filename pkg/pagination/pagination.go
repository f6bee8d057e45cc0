// Package pagination reads limit/offset query parameters and shapes list responses.
package pagination

import (
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads limit and offset, clamping limit to [1, MaxLimit]. A page parameter
// (1-based) is accepted in place of offset.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset <= 0 {
		if page, _ := strconv.Atoi(c.QueryParam("page")); page > 1 {
			offset = (page - 1) * limit
		}
	}
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset returns the offset for the previous page, never below 0.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Limit
	if prev < 0 {
		return 0
	}
	return prev
}

// Links are relative URLs for neighbouring pages. Next and Prev are empty at the ends.
type Links struct {
	Next string `json:"next,omitempty"`
	Prev string `json:"prev,omitempty"`
}

// Links builds neighbouring page links for basePath. extra is appended verbatim, e.g.
// "status=DRAFT".
func (p Params) Links(basePath string, total int, extra string) Links {
	suffix := ""
	if extra != "" {
		suffix = "&" + extra
	}
	var l Links
	if p.HasNext(total) {
		l.Next = fmt.Sprintf("%s?limit=%d&offset=%d%s", basePath, p.Limit, p.NextOffset(), suffix)
	}
	if p.Offset > 0 {
		l.Prev = fmt.Sprintf("%s?limit=%d&offset=%d%s", basePath, p.Limit, p.PreviousOffset(), suffix)
	}
	return l
}

// Response wraps a page of results.
type Response[T any] struct {
	Data    []T   `json:"data"`
	Total   int   `json:"total"`
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	HasMore bool  `json:"hasMore"`
	Links   Links `json:"links"`
}

// NewResponse never returns a nil Data slice so empty pages encode as [].
func NewResponse[T any](data []T, total int, p Params) *Response[T] {
	if data == nil {
		data = []T{}
	}
	return &Response[T]{
		Data:    data,
		Total:   total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.HasNext(total),
	}
}

// WithLinks fills in neighbouring page links.
func (r *Response[T]) WithLinks(basePath, extra string) *Response[T] {
	r.Links = Params{Limit: r.Limit, Offset: r.Offset}.Links(basePath, r.Total, extra)
	return r
}
