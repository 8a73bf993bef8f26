package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/jarcoal/httpmock"

	"github.com/aluiziolira/go-book-catalog/config"
	"github.com/aluiziolira/go-book-catalog/models"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = "http://example.test/"
	cfg.MaxPages = 2
	cfg.Parallelism = 4
	cfg.DedupeMaxSize = 100
	return cfg
}

func htmlResponder(body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(200, body)
	resp.Header.Set("Content-Type", "text/html")
	return httpmock.ResponderFromResponse(resp)
}

// buildListingPage emits product anchors carrying both title and href, the
// way the target publishes them: page 1 links are relative to the site
// root, later pages relative to the catalogue path.
func buildListingPage(page int, ids []int, extraTitledAnchor bool) string {
	var b strings.Builder
	b.WriteString(`<html><body><ol class="row">`)
	for _, id := range ids {
		href := fmt.Sprintf("book-%d/index.html", id)
		if page == 1 {
			href = "catalogue/" + href
		}
		fmt.Fprintf(&b, `<li><article class="product_pod">`)
		fmt.Fprintf(&b, `<h3><a href=%q title="Book %d">Book %d...</a></h3>`, href, id, id)
		fmt.Fprintf(&b, `<p class="price_color">&pound;%d.00</p>`, id)
		b.WriteString(`</article></li>`)
	}
	b.WriteString(`</ol>`)
	if extraTitledAnchor {
		b.WriteString(`<a href="promo.html" title="Stray promo link">promo</a>`)
	}
	b.WriteString(`</body></html>`)
	return b.String()
}

func buildDetailPage(id int, category string, withPrice bool) string {
	var b strings.Builder
	b.WriteString(`<html><body>`)
	b.WriteString(`<ul class="breadcrumb">`)
	b.WriteString(`<li><a href="/index.html">Home</a></li>`)
	b.WriteString(`<li><a href="/catalogue/category/books_1/index.html">Books</a></li>`)
	if category != "" {
		fmt.Fprintf(&b, `<li><a href="/catalogue/category/%s/index.html">%s</a></li>`, strings.ToLower(category), category)
	}
	b.WriteString(`</ul>`)
	fmt.Fprintf(&b, `<div class="item active"><img src="../../media/cache/book-%d.jpg"/></div>`, id)
	fmt.Fprintf(&b, `<p class="star-rating Two"></p>`)
	if withPrice {
		fmt.Fprintf(&b, `<p class="price_color">&pound;%d.00</p>`, id)
	}
	b.WriteString(`<table><tr><th>Availability</th><td>In stock</td></tr></table>`)
	b.WriteString(`</body></html>`)
	return b.String()
}

func registerListing(transport *httpmock.MockTransport, cfg *config.Config, page int, body string) {
	if page == 1 {
		responder := htmlResponder(body)
		transport.RegisterResponder("GET", cfg.BaseURL, responder)
		transport.RegisterResponder("GET", strings.TrimSuffix(cfg.BaseURL, "/"), responder)
		return
	}
	transport.RegisterResponder("GET", fmt.Sprintf("%scatalogue/page-%d.html", cfg.BaseURL, page), htmlResponder(body))
}

func registerDetail(transport *httpmock.MockTransport, cfg *config.Config, id int, responder httpmock.Responder) {
	transport.RegisterResponder("GET", fmt.Sprintf("%scatalogue/book-%d/index.html", cfg.BaseURL, id), responder)
}

func newTestCrawler(t *testing.T, cfg *config.Config, transport *httpmock.MockTransport) *Crawler {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("new crawler: %v", err)
	}
	c.listing.WithTransport(transport)
	c.detail.WithTransport(transport)
	return c
}

func TestCrawlerTwoPagesOrdered(t *testing.T) {
	cfg := testConfig()
	transport := httpmock.NewMockTransport()

	registerListing(transport, cfg, 1, buildListingPage(1, []int{1, 2}, false))
	registerListing(transport, cfg, 2, buildListingPage(2, []int{3, 4}, false))
	for id := 1; id <= 4; id++ {
		registerDetail(transport, cfg, id, htmlResponder(buildDetailPage(id, "Poetry", true)))
	}

	c := newTestCrawler(t, cfg, transport)
	result, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(result.Records) != 4 {
		t.Fatalf("records=%d, want 4 (warnings=%v)", len(result.Records), result.Warnings)
	}
	for i, record := range result.Records {
		wantTitle := fmt.Sprintf("Book %d", i+1)
		if record.Title != wantTitle {
			t.Errorf("record %d title=%q, want %q (ordering must follow page and position)", i, record.Title, wantTitle)
		}
		if record.ID == "" {
			t.Errorf("record %d has empty id", i)
		}
		if !strings.HasPrefix(record.ImageURL, "http://example.test/media/cache/") {
			t.Errorf("record %d image=%q, want resolved absolute reference", i, record.ImageURL)
		}
		if record.Category != "Poetry" {
			t.Errorf("record %d category=%q, want Poetry", i, record.Category)
		}
		if record.RatingText != "Two" || record.RatingNumeric != 2 {
			t.Errorf("record %d rating=%q/%d, want Two/2", i, record.RatingText, record.RatingNumeric)
		}
	}

	ids := make(map[string]struct{})
	for _, record := range result.Records {
		if _, dup := ids[record.ID]; dup {
			t.Fatalf("duplicate id %q", record.ID)
		}
		ids[record.ID] = struct{}{}
	}

	if result.PageCount != 2 {
		t.Errorf("pages=%d, want 2", result.PageCount)
	}
}

func TestCrawlerDetailFetchFailureSkipsItem(t *testing.T) {
	cfg := testConfig()
	transport := httpmock.NewMockTransport()

	registerListing(transport, cfg, 1, buildListingPage(1, []int{1, 2}, false))
	registerListing(transport, cfg, 2, buildListingPage(2, []int{3, 4}, false))
	registerDetail(transport, cfg, 1, htmlResponder(buildDetailPage(1, "Poetry", true)))
	registerDetail(transport, cfg, 2, httpmock.NewStringResponder(http.StatusNotFound, ""))
	registerDetail(transport, cfg, 3, htmlResponder(buildDetailPage(3, "Poetry", true)))
	registerDetail(transport, cfg, 4, htmlResponder(buildDetailPage(4, "Poetry", true)))

	c := newTestCrawler(t, cfg, transport)
	result, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(result.Records) != 3 {
		t.Fatalf("records=%d, want 3 (warnings=%v)", len(result.Records), result.Warnings)
	}
	for i, want := range []string{"Book 1", "Book 3", "Book 4"} {
		if result.Records[i].Title != want {
			t.Errorf("record %d title=%q, want %q", i, result.Records[i].Title, want)
		}
	}

	fetchWarnings := warningsOfKind(result.Warnings, models.WarnFetch)
	if len(fetchWarnings) != 1 {
		t.Fatalf("fetch warnings=%v, want exactly one", fetchWarnings)
	}
	if fetchWarnings[0].Page != 1 {
		t.Errorf("warning page=%d, want 1", fetchWarnings[0].Page)
	}
	if got := result.ErrorsByType["not_found"]; got != 1 {
		t.Errorf("not_found errors=%d, want 1", got)
	}
}

func TestCrawlerListingFetchFailureSkipsPage(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPages = 3
	transport := httpmock.NewMockTransport()

	registerListing(transport, cfg, 1, buildListingPage(1, []int{1}, false))
	transport.RegisterResponder("GET", cfg.BaseURL+"catalogue/page-2.html",
		httpmock.NewStringResponder(http.StatusInternalServerError, ""))
	registerListing(transport, cfg, 3, buildListingPage(3, []int{5}, false))
	registerDetail(transport, cfg, 1, htmlResponder(buildDetailPage(1, "Fiction", true)))
	registerDetail(transport, cfg, 5, htmlResponder(buildDetailPage(5, "Fiction", true)))

	c := newTestCrawler(t, cfg, transport)
	result, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(result.Records) != 2 {
		t.Fatalf("records=%d, want 2 (crawl must continue past a failed page)", len(result.Records))
	}
	if result.Records[0].Title != "Book 1" || result.Records[1].Title != "Book 5" {
		t.Fatalf("unexpected titles: %q, %q", result.Records[0].Title, result.Records[1].Title)
	}
	if len(warningsOfKind(result.Warnings, models.WarnFetch)) != 1 {
		t.Fatalf("warnings=%v, want one fetch warning for page 2", result.Warnings)
	}
}

func TestCrawlerExtractionFailureSkipsItem(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPages = 1
	transport := httpmock.NewMockTransport()

	registerListing(transport, cfg, 1, buildListingPage(1, []int{1, 2}, false))
	registerDetail(transport, cfg, 1, htmlResponder(buildDetailPage(1, "Poetry", false)))
	registerDetail(transport, cfg, 2, htmlResponder(buildDetailPage(2, "Poetry", true)))

	c := newTestCrawler(t, cfg, transport)
	result, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(result.Records) != 1 || result.Records[0].Title != "Book 2" {
		t.Fatalf("records=%v, want only Book 2", result.Records)
	}

	warnings := warningsOfKind(result.Warnings, models.WarnExtraction)
	if len(warnings) != 1 {
		t.Fatalf("extraction warnings=%v, want exactly one", warnings)
	}
	if warnings[0].Field != "price" {
		t.Errorf("warning field=%q, want price", warnings[0].Field)
	}
}

func TestCrawlerShallowBreadcrumbRecordsMissingFieldWarning(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPages = 1
	transport := httpmock.NewMockTransport()

	registerListing(transport, cfg, 1, buildListingPage(1, []int{1}, false))
	registerDetail(transport, cfg, 1, htmlResponder(buildDetailPage(1, "", true)))

	c := newTestCrawler(t, cfg, transport)
	result, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(result.Records) != 1 {
		t.Fatalf("records=%d, want 1 (empty category is not an error)", len(result.Records))
	}
	if result.Records[0].Category != "" {
		t.Errorf("category=%q, want empty", result.Records[0].Category)
	}

	warnings := warningsOfKind(result.Warnings, models.WarnMissingField)
	if len(warnings) != 1 || warnings[0].Field != "category" {
		t.Fatalf("missing-field warnings=%v, want one for category", warnings)
	}
}

func TestCrawlerCountMismatchWarning(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPages = 1
	transport := httpmock.NewMockTransport()

	registerListing(transport, cfg, 1, buildListingPage(1, []int{1}, true))
	registerDetail(transport, cfg, 1, htmlResponder(buildDetailPage(1, "Poetry", true)))

	c := newTestCrawler(t, cfg, transport)
	result, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	// The stray titled anchor must not shift item pairing.
	if len(result.Records) != 1 || result.Records[0].Title != "Book 1" {
		t.Fatalf("records=%v, want only Book 1", result.Records)
	}
	if len(warningsOfKind(result.Warnings, models.WarnCountMismatch)) != 1 {
		t.Fatalf("warnings=%v, want one count mismatch", result.Warnings)
	}
}

func TestCrawlerUntitledProductAnchorWarned(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPages = 1
	transport := httpmock.NewMockTransport()

	// Second product anchor carries an href but no title attribute; it
	// cannot be paired, and the page must say so instead of shrinking
	// the snapshot quietly.
	untitled := `<li><article class="product_pod"><h3><a href="catalogue/book-2/index.html">Book 2...</a></h3></article></li></ol>`
	body := strings.Replace(buildListingPage(1, []int{1}, false), `</ol>`, untitled, 1)
	registerListing(transport, cfg, 1, body)
	registerDetail(transport, cfg, 1, htmlResponder(buildDetailPage(1, "Poetry", true)))

	c := newTestCrawler(t, cfg, transport)
	result, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(result.Records) != 1 || result.Records[0].Title != "Book 1" {
		t.Fatalf("records=%v, want only Book 1", result.Records)
	}
	warnings := warningsOfKind(result.Warnings, models.WarnCountMismatch)
	if len(warnings) != 1 {
		t.Fatalf("warnings=%v, want one count mismatch for the untitled anchor", result.Warnings)
	}
	if !strings.Contains(warnings[0].Message, "2 product links") {
		t.Errorf("warning message=%q, want the product link count surfaced", warnings[0].Message)
	}
}

func TestCrawlerDuplicateDetailURLSkipped(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPages = 1
	transport := httpmock.NewMockTransport()

	registerListing(transport, cfg, 1, buildListingPage(1, []int{1, 1}, false))
	registerDetail(transport, cfg, 1, htmlResponder(buildDetailPage(1, "Poetry", true)))

	c := newTestCrawler(t, cfg, transport)
	result, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(result.Records) != 1 {
		t.Fatalf("records=%d, want 1", len(result.Records))
	}
	if len(warningsOfKind(result.Warnings, models.WarnDuplicate)) != 1 {
		t.Fatalf("warnings=%v, want one duplicate warning", result.Warnings)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "forbidden"},
		{name: "not found", err: nil, statusCode: http.StatusNotFound, expected: "not_found"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}

func warningsOfKind(warnings []models.Warning, kind string) []models.Warning {
	var out []models.Warning
	for _, w := range warnings {
		if w.Kind == kind {
			out = append(out, w)
		}
	}
	return out
}
