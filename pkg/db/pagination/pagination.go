package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
)

var ErrInvalidPageToken = errors.New("invalid_page_token")

// Pagination carries cursor paging inputs as bound from list requests.
type Pagination struct {
	PageToken string `form:"page_token" json:"page_token"`
	PageSize  int    `form:"page_size" json:"page_size"`
}

// Cursor is the decoded form of a page token. CreatedAt is RFC3339 so the
// token stays stable across drivers with different timestamp precision.
type Cursor struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
}

type PageInfo struct {
	HasMore       bool   `json:"has_more"`
	NextPageToken string `json:"next_page_token,omitempty"`
}

func EncodeCursor(c Cursor) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func DecodeCursor(token string) (*Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidPageToken
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, ErrInvalidPageToken
	}
	if c.ID == "" || c.CreatedAt == "" {
		return nil, ErrInvalidPageToken
	}
	return &c, nil
}

// BuildCursorPageInfo inspects an over-fetched result set (pageSize+1 rows)
// and produces the next page token from the last row of the visible page.
// Callers trim the extra row themselves when HasMore is set.
func BuildCursorPageInfo[T any](items []*T, pageSize int32, tokenFn func(*T) string) *PageInfo {
	info := &PageInfo{}
	if pageSize <= 0 || int32(len(items)) <= pageSize {
		return info
	}
	last := items[pageSize-1]
	if last == nil {
		return info
	}
	info.HasMore = true
	info.NextPageToken = tokenFn(last)
	return info
}
