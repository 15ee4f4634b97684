package postgres

import (
	"fmt"
	"strings"

	"github.com/quakefeed/quakefeed/internal/domain"
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

// buildFilterQuery translates a sparse set of optional bounds into a SQL
// query and its positional arguments. Only set fields produce predicates;
// pagination is clamped to sane values. Pure function, tested without a
// database.
func buildFilterQuery(f domain.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(format string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(format, len(args)))
	}

	if f.MagnitudeMin != nil {
		add("magnitude >= $%d", *f.MagnitudeMin)
	}
	if f.MagnitudeMax != nil {
		add("magnitude <= $%d", *f.MagnitudeMax)
	}
	if f.DepthMin != nil {
		add("depth_km >= $%d", *f.DepthMin)
	}
	if f.DepthMax != nil {
		add("depth_km <= $%d", *f.DepthMax)
	}
	if f.From != nil {
		add("occurred_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("occurred_at <= $%d", *f.To)
	}
	if f.Place != "" {
		add("place ILIKE $%d", "%"+f.Place+"%")
	}

	var sb strings.Builder
	sb.WriteString("SELECT " + eventColumns + " FROM quakes")
	if len(conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}
	sb.WriteString(" ORDER BY occurred_at DESC")

	page, size := f.Page, f.Size
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}

	args = append(args, size)
	sb.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))
	args = append(args, page*size)
	sb.WriteString(fmt.Sprintf(" OFFSET $%d", len(args)))

	return sb.String(), args
}
