// Package catalog holds the fixed content rotation: an ordered list of
// image+caption items, one of which is selected per calendar day.
package catalog

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	logx "quotecast/pkg/logx"
)

// ErrNoContent is returned when selection runs against an empty catalog.
var ErrNoContent = errors.New("no content available")

type Item struct {
	Text     string `json:"text"`
	ImageRef string `json:"image_ref"`
}

// Catalog is immutable after Load; selection never mutates it.
type Catalog struct {
	items []Item
}

func New(items []Item) *Catalog {
	cp := make([]Item, len(items))
	copy(cp, items)
	return &Catalog{items: cp}
}

// Load reads an ordered JSON array of items. A missing or corrupt file is
// not fatal: it yields an empty catalog and a warning, and dependent
// operations report "nothing to do" via ErrNoContent.
func Load(path string, log logx.Logger) *Catalog {
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		log.Warn("content catalog unavailable; starting empty", logx.String("path", path), logx.Err(err))
		return &Catalog{}
	}
	var items []Item
	if err := json.Unmarshal(b, &items); err != nil {
		log.Warn("content catalog corrupt; starting empty", logx.String("path", path), logx.Err(err))
		return &Catalog{}
	}
	return &Catalog{items: items}
}

func (c *Catalog) Len() int { return len(c.items) }

// SelectForDate maps a calendar date to one item: ordinal day-of-year modulo
// catalog length. Pure and restartable: the same date and catalog always
// yield the same item, with no hidden cursor. The caller must pass a time
// already in the configured timezone; the ordinal day is taken from t's
// location so selection does not drift at timezone boundaries.
func (c *Catalog) SelectForDate(t time.Time) (Item, int, error) {
	if len(c.items) == 0 {
		return Item{}, 0, ErrNoContent
	}
	idx := t.YearDay() % len(c.items)
	return c.items[idx], idx, nil
}
