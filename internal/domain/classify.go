package domain

import (
	"fmt"
	"sort"
)

// Category is a health band of the AQI scale. Max is nil for the top band,
// which extends without bound.
type Category struct {
	Name     string   `json:"name"`
	Label    string   `json:"label"`
	Min      int      `json:"min"`
	Max      *int     `json:"max,omitempty"`
	Rank     int      `json:"rank"`
	Color    string   `json:"color,omitempty"`
	Guidance []string `json:"guidance,omitempty"`
}

// Contains reports whether aqi falls inside the band.
func (c Category) Contains(aqi int) bool {
	return aqi >= c.Min && (c.Max == nil || aqi <= *c.Max)
}

// Classifier maps AQI values to health categories. It is immutable after
// construction and safe for concurrent use.
type Classifier struct {
	categories []Category
}

// NewClassifier validates that the bands start at 0, are contiguous and
// non-overlapping, and that only the last band is unbounded. Bands may be
// given in any order; Rank is assigned by ascending Min.
func NewClassifier(categories []Category) (*Classifier, error) {
	if len(categories) == 0 {
		return nil, fmt.Errorf("%w: empty category table", ErrInvalidInput)
	}
	cats := make([]Category, len(categories))
	copy(cats, categories)
	sort.Slice(cats, func(i, j int) bool { return cats[i].Min < cats[j].Min })

	if cats[0].Min != 0 {
		return nil, fmt.Errorf("%w: category table must start at 0, starts at %d", ErrInvalidInput, cats[0].Min)
	}
	seen := make(map[string]bool, len(cats))
	for i := range cats {
		c := &cats[i]
		if c.Name == "" {
			return nil, fmt.Errorf("%w: category %d has no name", ErrInvalidInput, i)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("%w: duplicate category %q", ErrInvalidInput, c.Name)
		}
		seen[c.Name] = true
		if c.Label == "" {
			c.Label = c.Name
		}
		c.Rank = i

		last := i == len(cats)-1
		switch {
		case c.Max == nil && !last:
			return nil, fmt.Errorf("%w: only the top category may be unbounded, %q is not last", ErrInvalidInput, c.Name)
		case c.Max == nil:
			// top band
		case *c.Max < c.Min:
			return nil, fmt.Errorf("%w: category %q has max %d below min %d", ErrInvalidInput, c.Name, *c.Max, c.Min)
		case last:
			return nil, fmt.Errorf("%w: top category %q must be unbounded", ErrInvalidInput, c.Name)
		case cats[i+1].Min != *c.Max+1:
			return nil, fmt.Errorf("%w: categories %q and %q are not contiguous", ErrInvalidInput, c.Name, cats[i+1].Name)
		}
	}
	return &Classifier{categories: cats}, nil
}

// Classify returns the category containing aqi. Negative values fail with
// ErrOutOfRange; there is no upper bound.
func (c *Classifier) Classify(aqi int) (Category, error) {
	if aqi < 0 {
		return Category{}, fmt.Errorf("%w: %d", ErrOutOfRange, aqi)
	}
	i := sort.Search(len(c.categories), func(i int) bool {
		return c.categories[i].Min > aqi
	})
	return c.categories[i-1], nil
}

// Categories returns the bands ordered by severity, least severe first.
func (c *Classifier) Categories() []Category {
	out := make([]Category, len(c.categories))
	copy(out, c.categories)
	return out
}
