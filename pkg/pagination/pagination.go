// Package pagination parses limit/offset query parameters and wraps list
// results with totals and navigation links.
package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params is one requested page.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads "limit" and "offset" from the query string, clamping
// limit to [1, MaxLimit]. A 1-based "page" is honored when no offset is given.
func FromContext(c echo.Context) Params {
	p := Params{Limit: atoi(c.QueryParam("limit")), Offset: atoi(c.QueryParam("offset"))}
	switch {
	case p.Limit <= 0:
		p.Limit = DefaultLimit
	case p.Limit > MaxLimit:
		p.Limit = MaxLimit
	}
	if p.Offset <= 0 {
		p.Offset = 0
		if page := atoi(c.QueryParam("page")); page > 1 {
			p.Offset = (page - 1) * p.Limit
		}
	}
	return p
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

// Next returns the following page.
func (p Params) Next() Params { return Params{Limit: p.Limit, Offset: p.Offset + p.Limit} }

// Previous returns the preceding page, clamped at the first one.
func (p Params) Previous() Params {
	return Params{Limit: p.Limit, Offset: max(p.Offset-p.Limit, 0)}
}

// URL renders the page as a query string on basePath.
func (p Params) URL(basePath string) string {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(p.Offset))
	q.Set("limit", strconv.Itoa(p.Limit))
	return basePath + "?" + q.Encode()
}

// Links carries navigation URLs for a page.
type Links struct {
	Self     string `json:"self"`
	Next     string `json:"next,omitempty"`
	Previous string `json:"previous,omitempty"`
}

// Response is one page of a list endpoint.
type Response[T any] struct {
	Data    []T    `json:"data"`
	Total   int    `json:"total"`
	Limit   int    `json:"limit"`
	Offset  int    `json:"offset"`
	HasMore bool   `json:"has_more"`
	Links   *Links `json:"links,omitempty"`
}

// NewResponse wraps data. A nil slice is rendered as an empty JSON array.
func NewResponse[T any](data []T, total, limit, offset int) *Response[T] {
	if data == nil {
		data = []T{}
	}
	return &Response[T]{
		Data:    data,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	}
}

// WithLinks attaches self/next/previous links rooted at basePath.
func (r *Response[T]) WithLinks(basePath string) *Response[T] {
	p := Params{Limit: r.Limit, Offset: r.Offset}
	r.Links = &Links{Self: p.URL(basePath)}
	if r.HasMore {
		r.Links.Next = p.Next().URL(basePath)
	}
	if p.Offset > 0 {
		r.Links.Previous = p.Previous().URL(basePath)
	}
	return r
}
