package utils

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePaginationParams(t *testing.T) {
	tests := []struct {
		query    string
		page     int
		pageSize int
		offset   int
	}{
		{"", 1, DefaultPageSize, 0},
		{"?page=3&page_size=10", 3, 10, 20},
		{"?page=0&page_size=-1", 1, DefaultPageSize, 0},
		{"?page_size=1000", 1, MaxPageSize, 0},
		{"?page=x", 1, DefaultPageSize, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			p := ParsePaginationParams(httptest.NewRequest("GET", "/"+tt.query, nil))
			assert.Equal(t, tt.page, p.Page)
			assert.Equal(t, tt.pageSize, p.PageSize)
			assert.Equal(t, tt.offset, p.Offset)
		})
	}
}

func TestWindow(t *testing.T) {
	p := PaginationParams{Page: 2, PageSize: 10, Offset: 10}
	start, end := p.Window(15)
	assert.Equal(t, 10, start)
	assert.Equal(t, 15, end)

	start, end = p.Window(5)
	assert.Equal(t, 5, start)
	assert.Equal(t, 5, end)
}

func TestNewPaginatedResponse(t *testing.T) {
	resp := NewPaginatedResponse([]int{1}, 1, 10, 21)
	assert.Equal(t, 3, resp.TotalPages)
}
