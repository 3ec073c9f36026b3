package streak

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/goodtune/focusd/internal/storage"
)

// Calendar converts instants into user-local calendar dates.
// Loaded locations are cached since every completion needs one.
type Calendar struct {
	locations *lru.Cache[string, *time.Location]
}

// NewCalendar creates a calendar caching up to size time zones.
func NewCalendar(size int) (*Calendar, error) {
	cache, err := lru.New[string, *time.Location](size)
	if err != nil {
		return nil, fmt.Errorf("create timezone cache: %w", err)
	}
	return &Calendar{locations: cache}, nil
}

// Location resolves an IANA zone name. An empty name means UTC.
func (c *Calendar) Location(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	if loc, ok := c.locations.Get(tz); ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", tz, err)
	}
	c.locations.Add(tz, loc)
	return loc, nil
}

// Date returns the YYYY-MM-DD calendar date of t in zone tz.
func (c *Calendar) Date(t time.Time, tz string) (string, error) {
	loc, err := c.Location(tz)
	if err != nil {
		return "", err
	}
	return t.In(loc).Format(storage.DateLayout), nil
}

// DaysBetween returns the number of calendar days from a to b.
// It is negative when b is earlier than a.
func DaysBetween(a, b string) (int, error) {
	from, err := time.Parse(storage.DateLayout, a)
	if err != nil {
		return 0, fmt.Errorf("invalid date %q: %w", a, err)
	}
	to, err := time.Parse(storage.DateLayout, b)
	if err != nil {
		return 0, fmt.Errorf("invalid date %q: %w", b, err)
	}
	// Both parse as UTC midnight so the difference is a whole number of days
	return int(to.Sub(from).Hours() / 24), nil
}
