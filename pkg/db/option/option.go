package option

import (
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"

	"github.com/buttermb/delviery-sub007/pkg/db/pagination"
)

// Option mutates a gorm query before execution. Repositories apply options
// in order, so pagination should come after any filter options.
type Option func(tx *gorm.DB) *gorm.DB

// QuerySortBy restricts ordering to an allow-listed column set. An empty or
// disallowed Field falls back to created_at.
type QuerySortBy struct {
	Field string
	Desc  bool
	Allow map[string]bool
}

func WithSortBy(sort QuerySortBy) Option {
	return func(tx *gorm.DB) *gorm.DB {
		field := sort.Field
		if field == "" || !sort.Allow[field] {
			field = "created_at"
		}
		direction := "DESC"
		if !sort.Desc && sort.Field != "" && sort.Allow[sort.Field] {
			direction = "ASC"
		}
		return tx.Order(fmt.Sprintf("%s %s, id %s", field, direction, direction))
	}
}

// ApplyPagination decodes the cursor token into a keyset predicate and
// over-fetches one row so callers can detect another page. Invalid tokens
// are ignored rather than failing the whole list call.
func ApplyPagination(p pagination.Pagination) Option {
	return func(tx *gorm.DB) *gorm.DB {
		size := p.PageSize
		if size <= 0 {
			size = 50
		}
		if cursor, err := pagination.DecodeCursor(p.PageToken); err == nil && cursor != nil {
			if ts, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt); err == nil {
				if id, err := strconv.ParseInt(cursor.ID, 10, 64); err == nil {
					tx = tx.Where("(created_at, id) < (?, ?)", ts, id)
				}
			}
		}
		return tx.Limit(size + 1)
	}
}

func WithLimit(limit int) Option {
	return func(tx *gorm.DB) *gorm.DB {
		if limit > 0 {
			tx = tx.Limit(limit)
		}
		return tx
	}
}
