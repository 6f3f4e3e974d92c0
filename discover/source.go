// Package discover locates attachments to synchronize. The HTML source
// scans a rendered page with CSS selectors; other sources can implement
// the Source interface directly.
package discover

import (
	attachcache "github.com/wolfeidau/attachment-cache"
)

// Attachment identifies one attachment found by a source. It carries only
// identity and location; the payload is downloaded separately.
type Attachment struct {
	Title     string
	SourceURL string
	RemoteID  string
	Category  attachcache.Category
}

// Source enumerates attachments for a category. Implementations must be
// safe to call repeatedly; results may overlap between calls.
type Source interface {
	Discover(category attachcache.Category) ([]Attachment, error)
}

// SelectorConfigurer is implemented by sources whose discovery rules can
// be overridden per run.
type SelectorConfigurer interface {
	ApplySelectors(Selectors)
}

// Selectors maps each category to the CSS selector used to locate its
// attachment elements.
type Selectors map[attachcache.Category]string

// DefaultSelectors returns the standard selector set.
func DefaultSelectors() Selectors {
	return Selectors{
		attachcache.CategoryVideos:    `[data-attachment-type="video"], .attachment-video`,
		attachcache.CategoryAudios:    `[data-attachment-type="audio"], .attachment-audio`,
		attachcache.CategoryDocuments: `[data-attachment-type="document"], .attachment-document`,
		attachcache.CategoryForms:     `[data-attachment-type="form"], .attachment-form`,
	}
}

// Merge overlays s with any non-empty selectors from other.
func (s Selectors) Merge(other Selectors) Selectors {
	merged := make(Selectors, len(s))
	for c, sel := range s {
		merged[c] = sel
	}
	for c, sel := range other {
		if sel != "" {
			merged[c] = sel
		}
	}
	return merged
}
