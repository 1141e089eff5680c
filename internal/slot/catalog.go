package slot

import (
	"strings"
	"time"

	"github.com/me/slotwatch/pkg/bbdc"
)

// Group is the slots observed for one calendar date, in listing order.
type Group struct {
	Date  time.Time // midnight in the slots' location
	Slots []Slot
}

// Catalog groups slots by calendar date. Groups iterate in the order their
// first slot was added and slots keep their insertion order within a group.
type Catalog struct {
	groups []Group
	index  map[string]int
}

// NewCatalog returns an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{index: make(map[string]int)}
}

// Parse builds a Catalog from a released-slot listing. Slots are grouped by
// the date of their own start time, not by the listing's day label.
func Parse(listing bbdc.DayListing, loc *time.Location) (*Catalog, error) {
	c := NewCatalog()
	for _, day := range listing {
		for _, raw := range day.Slots {
			s, err := FromRaw(raw, loc)
			if err != nil {
				return nil, err
			}
			c.Add(s)
		}
	}
	return c, nil
}

// Add appends s to the group for its start date.
func (c *Catalog) Add(s Slot) {
	key := s.Start.Format("2006-01-02")
	i, ok := c.index[key]
	if !ok {
		y, m, d := s.Start.Date()
		c.groups = append(c.groups, Group{Date: time.Date(y, m, d, 0, 0, 0, 0, s.Start.Location())})
		i = len(c.groups) - 1
		c.index[key] = i
	}
	c.groups[i].Slots = append(c.groups[i].Slots, s)
}

// Groups returns the date groups in insertion order.
func (c *Catalog) Groups() []Group {
	return c.groups
}

// Len returns the number of slots across all groups.
func (c *Catalog) Len() int {
	n := 0
	for _, g := range c.groups {
		n += len(g.Slots)
	}
	return n
}

// Slots returns every slot, group by group.
func (c *Catalog) Slots() []Slot {
	out := make([]Slot, 0, c.Len())
	for _, g := range c.groups {
		out = append(out, g.Slots...)
	}
	return out
}

// Shortlist returns the desirable slots in catalog order.
func (c *Catalog) Shortlist(p Policy, now time.Time) []Slot {
	var out []Slot
	for _, s := range c.Slots() {
		if p.Desirable(s.Start, now) {
			out = append(out, s)
		}
	}
	return out
}

// FormatList renders a heading followed by one slot per line.
func FormatList(heading string, slots []Slot) string {
	var b strings.Builder
	b.WriteString(heading)
	for _, s := range slots {
		b.WriteByte('\n')
		b.WriteString(s.String())
	}
	return b.String()
}
