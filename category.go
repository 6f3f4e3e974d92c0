package attachcache

import "fmt"

// Category is one of the four fixed partitions of the cache. Each partition
// has its own uniqueness constraints; a record's category is immutable once
// set.
type Category string

const (
	CategoryVideos    Category = "videos"
	CategoryAudios    Category = "audios"
	CategoryDocuments Category = "documents"
	CategoryForms     Category = "forms"
)

// Categories returns all categories in their fixed processing order.
func Categories() []Category {
	return []Category{CategoryVideos, CategoryAudios, CategoryDocuments, CategoryForms}
}

// Valid reports whether c is one of the four known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryVideos, CategoryAudios, CategoryDocuments, CategoryForms:
		return true
	}
	return false
}

// String implements fmt.Stringer.
func (c Category) String() string {
	return string(c)
}

// ParseCategory parses a category name.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}
