package services

import (
	"cmp"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ledgerline/backend/internal/models"
)

// Sortable transaction fields and their read store columns.
var orderingColumns = map[string]string{
	"occurred_at":       "t.occurred_at",
	"amount":            "t.amount",
	"resulting_balance": "t.resulting_balance",
	"type":              "t.type",
	"id":                "t.id",
	"account_id":        "t.account_id",
}

const defaultOrderingField = "occurred_at"

// Ordering is a single sort field. Ties are broken by id in the same
// direction so the order is total.
type Ordering struct {
	Field string
	Desc  bool
}

// ParseOrdering accepts "field" or "-field". An empty string is the default
// ascending occurred_at order.
func ParseOrdering(s string) (Ordering, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Ordering{Field: defaultOrderingField}, nil
	}
	o := Ordering{Field: s}
	if strings.HasPrefix(s, "-") {
		o = Ordering{Field: s[1:], Desc: true}
	}
	if _, ok := orderingColumns[o.Field]; !ok {
		return Ordering{}, fmt.Errorf("%w: cannot order by %q", ErrValidation, o.Field)
	}
	return o, nil
}

func (o Ordering) String() string {
	if o.Desc {
		return "-" + o.Field
	}
	return o.Field
}

func (o Ordering) sql() string {
	dir := "ASC"
	if o.Desc {
		dir = "DESC"
	}
	if o.Field == "id" {
		return "t.id " + dir
	}
	return fmt.Sprintf("%s %s, t.id %s", orderingColumns[o.Field], dir, dir)
}

// compare orders a before b under o.
func (o Ordering) compare(a, b *models.Transaction) int {
	var c int
	switch o.Field {
	case "occurred_at":
		c = a.OccurredAt.Compare(b.OccurredAt)
	case "amount":
		c = cmp.Compare(a.Amount, b.Amount)
	case "resulting_balance":
		c = cmp.Compare(a.ResultingBalance, b.ResultingBalance)
	case "type":
		c = strings.Compare(a.Type, b.Type)
	case "account_id":
		c = strings.Compare(a.AccountID, b.AccountID)
	}
	if c == 0 {
		c = strings.Compare(a.ID, b.ID)
	}
	if o.Desc {
		return -c
	}
	return c
}

// PageRequest is either an OffsetPage or a CursorPage.
type PageRequest interface {
	pageSize() int
}

// OffsetPage selects page Page (1-based) of Size items.
type OffsetPage struct {
	Page int
	Size int
}

func (p OffsetPage) pageSize() int { return p.Size }

// CursorPage continues after the position encoded in Cursor. An empty
// cursor starts at the beginning.
type CursorPage struct {
	Cursor string
	Size   int
}

func (p CursorPage) pageSize() int { return p.Size }

type TransactionPage struct {
	Results    []models.Transaction `json:"results"`
	Count      int                  `json:"count"`
	NextPage   int                  `json:"next_page,omitempty"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

// cursor is the last-seen sort key. It is compared by value, not by index,
// so inserts outside the window do not shift the page.
type cursor struct {
	Field string `json:"f"`
	Value string `json:"v"`
	ID    string `json:"id"`
}

func encodeCursor(o Ordering, tx *models.Transaction) string {
	c := cursor{Field: o.String(), ID: tx.ID}
	switch o.Field {
	case "occurred_at":
		c.Value = tx.OccurredAt.UTC().Format(time.RFC3339Nano)
	case "amount":
		c.Value = strconv.FormatInt(tx.Amount, 10)
	case "resulting_balance":
		c.Value = strconv.FormatInt(tx.ResultingBalance, 10)
	case "type":
		c.Value = tx.Type
	case "account_id":
		c.Value = tx.AccountID
	}
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

// decodeCursor rebuilds the anchor transaction a cursor points after.
func decodeCursor(o Ordering, token string) (*models.Transaction, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor", ErrValidation)
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: malformed cursor", ErrValidation)
	}
	if c.Field != o.String() {
		return nil, fmt.Errorf("%w: cursor was issued for ordering %q", ErrValidation, c.Field)
	}

	anchor := &models.Transaction{ID: c.ID}
	switch o.Field {
	case "occurred_at":
		anchor.OccurredAt, err = time.Parse(time.RFC3339Nano, c.Value)
	case "amount":
		anchor.Amount, err = strconv.ParseInt(c.Value, 10, 64)
	case "resulting_balance":
		anchor.ResultingBalance, err = strconv.ParseInt(c.Value, 10, 64)
	case "type":
		anchor.Type = c.Value
	case "account_id":
		anchor.AccountID = c.Value
	}
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor", ErrValidation)
	}
	return anchor, nil
}

// paginate materializes one page of an already ordered result set.
func paginate(all []models.Transaction, o Ordering, req PageRequest, size int) (*TransactionPage, error) {
	page := &TransactionPage{Count: len(all), Results: []models.Transaction{}}

	switch r := req.(type) {
	case OffsetPage:
		if r.Page < 1 {
			return nil, fmt.Errorf("%w: page must be at least 1", ErrValidation)
		}
		// checked before multiplying so huge page numbers cannot overflow
		if r.Page-1 > len(all)/size {
			return page, nil
		}
		start := (r.Page - 1) * size
		if start >= len(all) {
			return page, nil
		}
		end := min(start+size, len(all))
		page.Results = all[start:end]
		if end < len(all) {
			page.NextPage = r.Page + 1
		}

	case CursorPage:
		start := 0
		if r.Cursor != "" {
			anchor, err := decodeCursor(o, r.Cursor)
			if err != nil {
				return nil, err
			}
			for start < len(all) && o.compare(&all[start], anchor) <= 0 {
				start++
			}
		}
		end := min(start+size, len(all))
		page.Results = all[start:end]
		if end < len(all) && end > start {
			page.NextCursor = encodeCursor(o, &all[end-1])
		}

	default:
		return nil, fmt.Errorf("%w: unsupported page request %T", ErrValidation, req)
	}
	return page, nil
}
