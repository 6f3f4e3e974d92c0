package discover

import (
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/PuerkitoBio/goquery"
	attachcache "github.com/wolfeidau/attachment-cache"
)

// HTMLSource discovers attachments by scanning an HTML document with CSS
// selectors. Each matched element is mined for a remote identifier, a
// display title, and a payload URL.
type HTMLSource struct {
	doc       *goquery.Document
	selectors Selectors
	baseURL   *url.URL
	logger    *slog.Logger
}

// HTMLOption configures an HTMLSource.
type HTMLOption func(*HTMLSource)

// WithSelectors overrides the default selector per category. Categories
// not present keep their defaults.
func WithSelectors(selectors Selectors) HTMLOption {
	return func(s *HTMLSource) {
		s.selectors = s.selectors.Merge(selectors)
	}
}

// WithBaseURL sets the URL relative payload links are resolved against.
func WithBaseURL(base *url.URL) HTMLOption {
	return func(s *HTMLSource) {
		s.baseURL = base
	}
}

// WithLogger sets the logger for the source.
func WithLogger(logger *slog.Logger) HTMLOption {
	return func(s *HTMLSource) {
		s.logger = logger
	}
}

// NewHTMLSource parses an HTML document and returns a source over it.
func NewHTMLSource(r io.Reader, opts ...HTMLOption) (*HTMLSource, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing document: %w", attachcache.ErrInvalidData, err)
	}

	s := &HTMLSource{
		doc:       doc,
		selectors: DefaultSelectors(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

var (
	_ Source             = (*HTMLSource)(nil)
	_ SelectorConfigurer = (*HTMLSource)(nil)
)

// ApplySelectors overlays the source's selectors with the given
// overrides. Categories absent from overrides keep their selectors.
func (s *HTMLSource) ApplySelectors(overrides Selectors) {
	s.selectors = s.selectors.Merge(overrides)
}

// Discover returns the attachments matched by the category's selector.
func (s *HTMLSource) Discover(category attachcache.Category) ([]Attachment, error) {
	if !category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", attachcache.ErrInvalidData, category)
	}

	selector, ok := s.selectors[category]
	if !ok || selector == "" {
		return nil, nil
	}

	var found []Attachment
	s.doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		found = append(found, s.extract(sel, category))
	})

	return found, nil
}

// extract mines one element for identity and location. An element with no
// usable payload URL still yields an entry, with SourceURL left empty, so
// callers can account for malformed markup instead of silently losing it.
func (s *HTMLSource) extract(sel *goquery.Selection, category attachcache.Category) Attachment {
	rawURL := firstAttr(sel, "src", "href", "data-url")
	if rawURL == "" {
		// Media elements often nest the URL in a source child.
		rawURL = firstAttr(sel.Find("source").First(), "src")
	}

	var sourceURL string
	if rawURL != "" {
		sourceURL = s.resolveURL(rawURL)
	}

	remoteID := firstAttr(sel, "data-attachment-id", "data-id", "id")
	if remoteID == "" && sourceURL != "" {
		// Stable fallback identity derived from the payload location.
		remoteID = base64.RawURLEncoding.EncodeToString([]byte(sourceURL))
	}

	title := firstAttr(sel, "title", "data-title")
	if title == "" {
		title = strings.TrimSpace(sel.Text())
	}
	if title == "" && sourceURL != "" {
		title = filenameFromURL(sourceURL)
	}

	return Attachment{
		Title:     title,
		SourceURL: sourceURL,
		RemoteID:  remoteID,
		Category:  category,
	}
}

func (s *HTMLSource) resolveURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if s.baseURL != nil {
		u = s.baseURL.ResolveReference(u)
	}
	return u.String()
}

// firstAttr returns the first non-empty attribute from names.
func firstAttr(sel *goquery.Selection, names ...string) string {
	for _, name := range names {
		if v, ok := sel.Attr(name); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func filenameFromURL(sourceURL string) string {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return sourceURL
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return sourceURL
	}
	return name
}
