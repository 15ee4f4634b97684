package ssn

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/quakefeed/quakefeed/internal/domain"
	"github.com/quakefeed/quakefeed/internal/observability"
)

// The national seismological service renders its latest events as an HTML
// table; rows from the last two days carry the 1days/2days classes. Those
// names start with a digit, which is invalid in a CSS class selector, so
// rows are matched by class attribute rather than a "tr.1days" selector.
const (
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	sourceTag = "SSN"
)

func isRecentRow(_ int, row *goquery.Selection) bool {
	return row.HasClass("1days") || row.HasClass("2days")
}

// Scraper fetches the upstream source document and parses it into candidate
// events. It is read-only and idempotent: repeated calls against the same
// upstream state return the same candidates.
type Scraper struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewScraper creates a scraper for the given source URL with a hard request
// timeout.
func NewScraper(url string, timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Scraper {
	return &Scraper{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger:  logger,
		metrics: metrics,
	}
}

// Extract fetches the source page and returns every parseable row. A
// transport-level failure returns ErrSourceUnavailable; a malformed row is
// logged, counted, and skipped without aborting the extraction.
func (s *Scraper) Extract(ctx context.Context) ([]domain.CandidateEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build source request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", domain.ErrSourceUnavailable, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: parse document: %v", domain.ErrSourceUnavailable, err)
	}

	rows := doc.Find("tr").FilterFunction(isRecentRow)
	candidates := make([]domain.CandidateEvent, 0, rows.Length())

	rows.Each(func(i int, row *goquery.Selection) {
		cand, err := parseRow(row)
		if err != nil {
			s.logger.Warn("skipping source row", "row", i, "error", err)
			s.metrics.ParseErrors.Inc()
			return
		}
		candidates = append(candidates, cand)
	})

	s.metrics.CandidatesExtracted.Add(float64(len(candidates)))
	s.logger.Info("extraction complete", "rows", rows.Length(), "candidates", len(candidates))
	return candidates, nil
}

// parseRow extracts one candidate from a table row. The source marks each
// field with a stable id prefix or class.
func parseRow(row *goquery.Selection) (domain.CandidateEvent, error) {
	magText := text(row, "td.latest-mag")
	dateText := text(row, "span[id^=date_]")
	timeText := text(row, "span[id^=time_]")
	placeText := text(row, "span[id^=epi_]")
	latText := text(row, "span[id^=lat_]")
	lonText := text(row, "span[id^=lon_]")
	depthText := text(row, "td[id^=prof_]")

	if magText == "" || dateText == "" || timeText == "" {
		return domain.CandidateEvent{}, fmt.Errorf("missing required fields (mag=%q date=%q time=%q)", magText, dateText, timeText)
	}

	magnitude, err := strconv.ParseFloat(magText, 64)
	if err != nil {
		return domain.CandidateEvent{}, fmt.Errorf("parse magnitude %q: %w", magText, err)
	}

	occurredAt, err := parseOccurredAt(dateText, timeText)
	if err != nil {
		return domain.CandidateEvent{}, err
	}

	latitude, err := strconv.ParseFloat(latText, 64)
	if err != nil {
		return domain.CandidateEvent{}, fmt.Errorf("parse latitude %q: %w", latText, err)
	}

	longitude, err := strconv.ParseFloat(lonText, 64)
	if err != nil {
		return domain.CandidateEvent{}, fmt.Errorf("parse longitude %q: %w", lonText, err)
	}

	return domain.CandidateEvent{
		OccurredAt: occurredAt,
		Latitude:   latitude,
		Longitude:  longitude,
		Magnitude:  magnitude,
		DepthKm:    parseDepth(depthText),
		Place:      clampPlace(placeText),
		Source:     sourceTag,
	}, nil
}

// maxPlaceLen is the place column width. An over-long scraped string is
// truncated here so it degrades this one field instead of failing the
// insert and aborting the cycle.
const maxPlaceLen = 500

func clampPlace(s string) string {
	runes := []rune(s)
	if len(runes) <= maxPlaceLen {
		return s
	}
	return string(runes[:maxPlaceLen])
}

func text(row *goquery.Selection, selector string) string {
	return strings.TrimSpace(row.Find(selector).Text())
}

// parseOccurredAt combines the source's separate date and time cells. The
// source reports times without a zone designator; they are recorded at UTC
// offset and that offset travels with the event from here on.
func parseOccurredAt(date, clock string) (time.Time, error) {
	combined := date + " " + clock
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if ts, err := time.Parse(layout, combined); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q", combined)
}

// parseDepth strips the "km" suffix and parses the remainder. The source
// occasionally omits or mangles depth; those rows keep depth 0 rather than
// being discarded.
func parseDepth(s string) float64 {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "km"))
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
