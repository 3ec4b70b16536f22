// ABOUTME: Feed harvester: reads instrument reservations from an RSS/Atom calendar feed whose items
// ABOUTME: carry "cal:" namespace fields, caching each feed briefly across a polling cycle.
package calendar

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/2389-research/labrecord/session/core"
	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
)

// Namespace is the feed extension prefix carrying reservation fields.
const Namespace = "cal"

// maxFeedBytes caps how much of a feed response is read.
const maxFeedBytes = 5 * 1024 * 1024

// DefaultFeedTTL is how long a fetched feed is reused.
const DefaultFeedTTL = 5 * time.Minute

type feedEntry struct {
	items     []*gofeed.Item
	fetchedAt time.Time
}

// FeedHarvester implements Harvester over HTTP calendar feeds. Fetched feeds
// are cached per URL for ttl. Errors are never cached.
type FeedHarvester struct {
	httpClient *http.Client
	parser     *gofeed.Parser
	ttl        time.Duration
	now        func() time.Time

	mu      sync.RWMutex
	entries map[string]*feedEntry
}

// NewFeedHarvester creates a harvester. A nil client uses a client with a
// 30 second timeout.
func NewFeedHarvester(httpClient *http.Client, ttl time.Duration) *FeedHarvester {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &FeedHarvester{
		httpClient: httpClient,
		parser:     gofeed.NewParser(),
		ttl:        ttl,
		now:        time.Now,
		entries:    make(map[string]*feedEntry),
	}
}

// Events returns the reservations in cal's feed that overlap window. A
// calendar without a URL has no reservations.
func (h *FeedHarvester) Events(ctx context.Context, cal Calendar, window core.Window) ([]Event, error) {
	if strings.TrimSpace(cal.URL) == "" {
		return nil, nil
	}
	items, err := h.items(ctx, cal.URL)
	if err != nil {
		return nil, fmt.Errorf("harvest %s: %w", cal.InstrumentID, err)
	}

	loc := cal.Location
	if loc == nil {
		loc = time.UTC
	}
	var events []Event
	for _, item := range items {
		e, ok, err := parseItem(item, loc)
		if err != nil {
			log.Printf("component=calendar action=skip_item instrument=%s item=%q err=%v", cal.InstrumentID, item.GUID, err)
			continue
		}
		if !ok {
			continue
		}
		if inst := field(item, "instrument"); inst != "" && inst != cal.InstrumentID {
			continue
		}
		if e.Window().Overlap(window) > 0 || (window.Duration() == 0 && e.Window().Contains(window.Start)) {
			events = append(events, e)
		}
	}
	return events, nil
}

// Len returns the number of cached feeds.
func (h *FeedHarvester) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

func (h *FeedHarvester) items(ctx context.Context, url string) ([]*gofeed.Item, error) {
	h.mu.RLock()
	if entry, ok := h.entries[url]; ok && h.now().Sub(entry.fetchedAt) < h.ttl {
		items := entry.items
		h.mu.RUnlock()
		return items, nil
	}
	h.mu.RUnlock()

	items, err := h.fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.entries[url] = &feedEntry{items: items, fetchedAt: h.now()}
	h.mu.Unlock()
	return items, nil
}

func (h *FeedHarvester) fetch(ctx context.Context, url string) ([]*gofeed.Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(b))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("status=%d: %s", resp.StatusCode, msg)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, err
	}
	feed, err := h.parser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed.Items, nil
}

// parseItem converts a feed item into a reservation. Items without
// cal:start and cal:end are not reservations and are skipped.
func parseItem(item *gofeed.Item, loc *time.Location) (Event, bool, error) {
	startRaw, endRaw := field(item, "start"), field(item, "end")
	if startRaw == "" || endRaw == "" {
		return Event{}, false, nil
	}
	start, err := parseTime(startRaw, loc)
	if err != nil {
		return Event{}, false, fmt.Errorf("cal:start: %w", err)
	}
	end, err := parseTime(endRaw, loc)
	if err != nil {
		return Event{}, false, fmt.Errorf("cal:end: %w", err)
	}
	if end.Before(start) {
		return Event{}, false, fmt.Errorf("reservation ends before it starts")
	}

	e := Event{
		ID:                strings.TrimSpace(item.GUID),
		Title:             strings.TrimSpace(item.Title),
		Experimenter:      field(item, "experimenter"),
		Purpose:           field(item, "purpose"),
		SampleID:          field(item, "sampleid"),
		SampleDescription: field(item, "sample"),
		Project:           field(item, "project"),
		Collaborators:     fields(item, "collaborator"),
		Start:             start,
		End:               end,
		Link:              strings.TrimSpace(item.Link),
	}
	if e.Experimenter == "" && item.Author != nil {
		e.Experimenter = strings.TrimSpace(item.Author.Name)
	}
	if e.Purpose == "" {
		e.Purpose = PlainText(item.Description)
	}
	return e, true, nil
}

func field(item *gofeed.Item, name string) string {
	vals := fields(item, name)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func fields(item *gofeed.Item, name string) []string {
	ns, ok := item.Extensions[Namespace]
	if !ok {
		return nil
	}
	var out []string
	for _, x := range ns[name] {
		if v := extensionText(x); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func extensionText(x ext.Extension) string {
	return strings.TrimSpace(x.Value)
}

var timeLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// parseTime accepts RFC 3339 or a zoneless local time interpreted in loc.
func parseTime(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// PlainText strips HTML markup from a reservation description and
// collapses whitespace.
func PlainText(html string) string {
	html = strings.TrimSpace(html)
	if html == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	doc.Find("br, p, li, div, tr").AfterHtml(" ")
	return strings.Join(strings.Fields(doc.Text()), " ")
}
