// Package extract pulls normalized record fields out of detail-page
// documents. It is a pure function of the parsed markup: no fetching, no
// shared state.
package extract

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ExtractionError reports that a required field's markup is structurally
// absent from the detail page.
type ExtractionError struct {
	Field string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction: missing required field %q", e.Field)
}

// Fields holds the values extracted from one detail page. Category may be
// empty when the breadcrumb hierarchy has fewer than three levels;
// RatingText is empty when the rating token is absent or unparseable.
type Fields struct {
	Price         string
	Category      string
	ImageURL      string
	Availability  string
	RatingText    string
	RatingNumeric int
}

// Book extracts the record fields from a parsed detail-page document.
// pageURL is the URL the document was fetched from and anchors relative
// image references. The returned slice names optional fields that were
// missing; required-field absence is an *ExtractionError.
func Book(doc *goquery.Document, pageURL *url.URL) (Fields, []string, error) {
	var f Fields
	var missing []string

	price := doc.Find("p.price_color").First()
	if price.Length() == 0 {
		return Fields{}, nil, &ExtractionError{Field: "price"}
	}
	f.Price = strings.TrimSpace(price.Text())

	// Third breadcrumb link is the category; shallower hierarchies are
	// legitimate pages (e.g. the default category), not errors.
	crumbs := doc.Find("ul.breadcrumb a")
	if crumbs.Length() > 2 {
		f.Category = strings.TrimSpace(crumbs.Eq(2).Text())
	} else {
		missing = append(missing, "category")
	}

	img := doc.Find("div.item.active img").First()
	src, ok := img.Attr("src")
	if !ok {
		return Fields{}, nil, &ExtractionError{Field: "image"}
	}
	f.ImageURL = resolveRef(pageURL, src)

	availability, ok := availabilityCell(doc)
	if !ok {
		return Fields{}, nil, &ExtractionError{Field: "availability"}
	}
	f.Availability = strings.TrimSpace(availability)

	f.RatingText = ratingToken(doc)
	f.RatingNumeric = RatingToNumeric(f.RatingText)
	if f.RatingText == "" {
		missing = append(missing, "rating")
	}

	return f, missing, nil
}

// availabilityCell returns the text of the table cell following the
// header whose text is exactly "Availability".
func availabilityCell(doc *goquery.Document) (string, bool) {
	var text string
	found := false
	doc.Find("th").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.TrimSpace(s.Text()) != "Availability" {
			return true
		}
		td := s.NextFiltered("td").First()
		if td.Length() == 0 {
			return true
		}
		text = td.Text()
		found = true
		return false
	})
	return text, found
}

// ratingToken returns the second class token of the detail page's rating
// element ("star-rating Three" -> "Three"), or "" when absent. Scoped to
// the detail document so every item carries its own rating.
func ratingToken(doc *goquery.Document) string {
	class, ok := doc.Find("p.star-rating").First().Attr("class")
	if !ok {
		return ""
	}
	tokens := strings.Fields(class)
	if len(tokens) < 2 {
		return ""
	}
	if RatingToNumeric(tokens[1]) == 0 && tokens[1] != "Zero" {
		return ""
	}
	return tokens[1]
}

func resolveRef(base *url.URL, ref string) string {
	if base == nil {
		return ref
	}
	resolved, err := base.Parse(ref)
	if err != nil {
		return ref
	}
	return resolved.String()
}

// RatingToNumeric converts the textual rating to a numeric scale.
func RatingToNumeric(rating string) int {
	switch strings.TrimSpace(rating) {
	case "One":
		return 1
	case "Two":
		return 2
	case "Three":
		return 3
	case "Four":
		return 4
	case "Five":
		return 5
	default:
		return 0
	}
}
