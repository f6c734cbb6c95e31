// Package extract converts a rendered search result page into structured
// venue records. It is the field-extraction collaborator of the crawl
// orchestrator: it reports both the deduplicatable records and the raw card
// count, since cell density must be measured before dedup removes
// already-seen venues.
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"
)

// Record is one venue listing extracted from a result card.
type Record struct {
	Name        string   `json:"name"`
	ExternalID  string   `json:"external_id"`
	SourceURL   string   `json:"source_url"`
	Latitude    float64  `json:"latitude,omitempty"`
	Longitude   float64  `json:"longitude,omitempty"`
	Rating      float64  `json:"rating,omitempty"`
	ReviewCount int      `json:"review_count,omitempty"`
	Categories  []string `json:"categories,omitempty"`
	PriceLevel  int      `json:"price_level,omitempty"`
	Address     string   `json:"address,omitempty"`
	District    string   `json:"district,omitempty"`
	ImageURL    string   `json:"image_url,omitempty"`
}

// Extractor parses rendered result pages.
type Extractor struct {
	// MaxCards caps how many cards are converted to records per page; the
	// raw count is still reported in full so density stays accurate.
	// Zero means no cap.
	MaxCards int
}

// New creates an Extractor.
func New() *Extractor {
	return &Extractor{MaxCards: DefaultMaxCards}
}

// DefaultMaxCards matches what one fully scrolled feed yields.
const DefaultMaxCards = 120

var (
	placeIDPattern  = regexp.MustCompile(`!1s(0x[0-9a-fA-F]+:0x[0-9a-fA-F]+)`)
	cidPattern      = regexp.MustCompile(`[?&]cid=(\d+)`)
	ftidPattern     = regexp.MustCompile(`ftid=(0x[0-9a-fA-F]+:0x[0-9a-fA-F]+)`)
	placeSlug       = regexp.MustCompile(`/maps/place/([^/]+)`)
	slugClean       = regexp.MustCompile(`[^\p{L}\p{N}_-]+`)
	atCoordsPattern = regexp.MustCompile(`@(-?\d+\.?\d*),(-?\d+\.?\d*)`)
	bangLatPattern  = regexp.MustCompile(`!3d(-?\d+\.?\d*)`)
	bangLngPattern  = regexp.MustCompile(`!4d(-?\d+\.?\d*)`)
	ratingPattern   = regexp.MustCompile(`(\d[,.]\d)`)
	reviewsPattern  = regexp.MustCompile(`\((\d[\d.,]*\s*[BbKk]?)\)`)
	pricePattern    = regexp.MustCompile(`(₺{1,4}|\${1,4}|€{1,4})`)
)

// Parse extracts venue records from a rendered page. It returns both the
// record list and the raw card count before any filtering; only cards whose
// identity cannot be established are dropped from records.
func (e *Extractor) Parse(body []byte) ([]Record, int, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse result page: %w", err)
	}

	cards := doc.Find(`div[role="feed"] a[href*="/maps/place/"]`)
	if cards.Length() == 0 {
		cards = doc.Find(`a[href*="/maps/place/"]`)
	}
	rawCount := cards.Length()

	records := make([]Record, 0, rawCount)
	cards.EachWithBreak(func(_ int, card *goquery.Selection) bool {
		if e.MaxCards > 0 && len(records) >= e.MaxCards {
			return false
		}
		rec, ok := parseCard(card)
		if ok {
			records = append(records, rec)
		}
		return true
	})

	log.Debug().
		Int("raw_cards", rawCount).
		Int("records", len(records)).
		Msg("Extracted venue cards")

	return records, rawCount, nil
}

func parseCard(card *goquery.Selection) (Record, bool) {
	href := strings.TrimSpace(card.AttrOr("href", ""))
	if href == "" || !strings.Contains(href, "/maps/place/") {
		return Record{}, false
	}

	id := PlaceID(href)
	if id == "" {
		return Record{}, false
	}

	rec := Record{
		ExternalID: id,
		SourceURL:  href,
	}
	rec.Latitude, rec.Longitude = Coordinates(href)

	// The surrounding card container carries the headline plus rating,
	// category, price and address lines.
	container := card.Parent()

	rec.Name = strings.TrimSpace(container.Find("div.fontHeadlineSmall, span.fontHeadlineSmall, div.qBF1Pd").First().Text())
	if rec.Name == "" {
		rec.Name = strings.TrimSpace(card.AttrOr("aria-label", ""))
	}
	if rec.Name == "" {
		return Record{}, false
	}

	lines := textLines(container)
	text := strings.Join(lines, "\n")

	if m := ratingPattern.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64); err == nil && v <= 5.0 {
			rec.Rating = v
		}
	}
	if m := reviewsPattern.FindStringSubmatch(text); m != nil {
		rec.ReviewCount = ParseCount(m[1])
	}
	if m := pricePattern.FindStringSubmatch(text); m != nil {
		rec.PriceLevel = len([]rune(m[1]))
	}

	rec.Categories = categories(lines, rec.Name)
	rec.Address = addressLine(lines, rec.Name)
	rec.District = District(rec.Address, rec.Latitude, rec.Longitude)

	if src := container.Find("img").AttrOr("src", ""); src != "" && !strings.HasPrefix(src, "data:") {
		rec.ImageURL = src
	}

	return rec, true
}

// PlaceID extracts the service's stable identifier from a place URL, trying
// the data blob, cid and ftid parameters, then a cleaned URL slug as a last
// resort.
func PlaceID(href string) string {
	if m := placeIDPattern.FindStringSubmatch(href); m != nil {
		return m[1]
	}
	if m := cidPattern.FindStringSubmatch(href); m != nil {
		return "cid_" + m[1]
	}
	if m := ftidPattern.FindStringSubmatch(href); m != nil {
		return m[1]
	}
	if m := placeSlug.FindStringSubmatch(href); m != nil {
		slug, err := url.PathUnescape(m[1])
		if err != nil {
			slug = m[1]
		}
		slug = slugClean.ReplaceAllString(slug, "_")
		slug = strings.Trim(strings.ReplaceAll(slug, "__", "_"), "_")
		if len(slug) > 80 {
			slug = slug[:80]
		}
		if len(slug) > 3 {
			return "url_" + slug
		}
	}
	return ""
}

// Coordinates pulls lat/lng out of a place URL, accepting both the
// "@lat,lng" and the "!3d..!4d.." encodings. Values outside the broad
// Marmara region are rejected as noise.
func Coordinates(href string) (float64, float64) {
	if m := atCoordsPattern.FindStringSubmatch(href); m != nil {
		if lat, lng, ok := plausible(m[1], m[2]); ok {
			return lat, lng
		}
	}
	latM := bangLatPattern.FindStringSubmatch(href)
	lngM := bangLngPattern.FindStringSubmatch(href)
	if latM != nil && lngM != nil {
		if lat, lng, ok := plausible(latM[1], lngM[1]); ok {
			return lat, lng
		}
	}
	return 0, 0
}

func plausible(latS, lngS string) (float64, float64, bool) {
	lat, err1 := strconv.ParseFloat(latS, 64)
	lng, err2 := strconv.ParseFloat(lngS, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	if lat <= 39.0 || lat >= 43.0 || lng <= 26.0 || lng >= 31.0 {
		return 0, 0, false
	}
	return lat, lng, true
}

// ParseCount parses review counts in Turkish and English digit grouping,
// including the thousands shorthand ("1,2 B" style).
func ParseCount(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}

	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',':
			return r
		case r == 'B', r == 'b', r == 'K', r == 'k':
			return r
		}
		return -1
	}, s)
	if cleaned == "" {
		return 0
	}

	upper := strings.ToUpper(cleaned)
	if strings.HasSuffix(upper, "B") || strings.HasSuffix(upper, "K") {
		num := strings.ReplaceAll(cleaned[:len(cleaned)-1], ",", ".")
		if v, err := strconv.ParseFloat(num, 64); err == nil {
			return int(v * 1000)
		}
		return 0
	}

	// Both separators present: the later one is the decimal point.
	if strings.Contains(cleaned, ".") && strings.Contains(cleaned, ",") {
		if strings.LastIndex(cleaned, ".") > strings.LastIndex(cleaned, ",") {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		} else {
			cleaned = strings.ReplaceAll(cleaned, ".", "")
			cleaned = strings.ReplaceAll(cleaned, ",", ".")
		}
	} else if sep := onlySeparator(cleaned); sep != 0 {
		parts := strings.Split(cleaned, string(sep))
		if len(parts) > 1 && len(parts[len(parts)-1]) == 3 {
			cleaned = strings.ReplaceAll(cleaned, string(sep), "")
		} else if sep == ',' {
			cleaned = strings.ReplaceAll(cleaned, ",", ".")
		}
	}

	if v, err := strconv.ParseFloat(cleaned, 64); err == nil {
		return int(v)
	}
	return 0
}

func onlySeparator(s string) byte {
	hasDot := strings.Contains(s, ".")
	hasComma := strings.Contains(s, ",")
	if hasDot && !hasComma {
		return '.'
	}
	if hasComma && !hasDot {
		return ','
	}
	return 0
}

var categoryHints = []string{
	"restoran", "restaurant", "lokanta", "cafe", "kafe", "kebap", "pizza",
	"burger", "balık", "balik", "et", "mutfak", "yemek",
}

func categories(lines []string, name string) []string {
	for _, line := range lines {
		lower := strings.ToLower(line)
		hinted := false
		for _, hint := range categoryHints {
			if strings.Contains(lower, hint) {
				hinted = true
				break
			}
		}
		if !hinted || line == name {
			continue
		}

		var out []string
		for _, part := range strings.FieldsFunc(line, func(r rune) bool {
			return r == '·' || r == '•' || r == '|'
		}) {
			part = strings.TrimSpace(part)
			if part == "" || pricePattern.MatchString(part) && len([]rune(part)) <= 4 {
				continue
			}
			out = append(out, part)
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

func addressLine(lines []string, name string) string {
	for _, line := range lines {
		lower := NormalizeTurkish(line)
		for district := range districtCentres {
			if strings.Contains(lower, district) && line != name {
				return strings.TrimLeft(line, "·•| ")
			}
		}
	}
	return ""
}

// textLines collects the visible text of each child element as a separate
// line; a flat Text() call would run adjacent fields together.
func textLines(container *goquery.Selection) []string {
	var out []string
	container.Children().Each(func(_ int, child *goquery.Selection) {
		line := strings.TrimSpace(child.Text())
		if line != "" {
			out = append(out, line)
		}
	})
	return out
}
