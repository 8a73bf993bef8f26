// Package crawler walks the paginated catalog, fetches each listing's
// detail page, and assembles normalized records in a deterministic
// (page, in-page position) order.
package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/go-book-catalog/config"
	"github.com/aluiziolira/go-book-catalog/extract"
	"github.com/aluiziolira/go-book-catalog/models"
)

// Crawler drives two colly collectors: a synchronous one for listing
// pages and an asynchronous clone for the per-item detail pages.
type Crawler struct {
	cfg     *config.Config
	base    *url.URL
	listing *colly.Collector
	detail  *colly.Collector
	Metrics *Metrics

	handlersOnce sync.Once
	run          *run
}

type listItem struct {
	Title string
	URL   string
}

// run owns all state accumulated by one crawl. It is created by Run and
// returned as a value; nothing outlives the call.
type run struct {
	mu           sync.Mutex
	page         int
	items        []listItem
	titled       int
	anchors      int
	pageWarned   bool
	slots        []*models.Book
	records      []*models.Book
	warnings     []models.Warning
	errorsByType map[string]int
	requestCount int
	errorCount   int
	seen         *lru.Cache[string, struct{}]
}

// New builds a crawler configured from cfg.
func New(cfg *config.Config) (*Crawler, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	listing := colly.NewCollector(
		colly.AllowedDomains(base.Host),
		colly.UserAgent(cfg.UserAgent),
	)
	listing.SetRequestTimeout(cfg.Timeout)
	listing.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	listing.WithTransport(transport)

	detail := listing.Clone()
	detail.Async = true
	detail.SetRequestTimeout(cfg.Timeout)
	detail.WithTransport(transport)
	if err := detail.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
		Delay:       cfg.Delay,
		RandomDelay: cfg.RandomDelay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	return &Crawler{
		cfg:     cfg,
		base:    base,
		listing: listing,
		detail:  detail,
		Metrics: NewMetrics(),
	}, nil
}

// Run crawls listing pages 1..MaxPages and returns the assembled records
// plus every warning encountered. Fetch and extraction failures skip the
// affected page or item; they never abort the run. One run at a time.
func (c *Crawler) Run(ctx context.Context) (*models.CrawlResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	seen, err := lru.New[string, struct{}](c.cfg.DedupeMaxSize)
	if err != nil {
		return nil, fmt.Errorf("dedupe cache: %w", err)
	}

	r := &run{
		errorsByType: make(map[string]int),
		seen:         seen,
	}
	c.run = r
	c.configureHandlers()

	start := time.Now()
	pagesVisited := 0

	for page := 1; page <= c.cfg.MaxPages; page++ {
		if ctx.Err() != nil {
			slog.Info("crawl cancelled", slog.Int("next_page", page))
			break
		}

		pageURL := c.pageURL(page)
		r.beginPage(page)

		if err := c.listing.Visit(pageURL); err != nil {
			if !r.tookPageWarning() {
				c.recordFetch(r, page, pageURL, classifyError(err, 0))
			}
			continue
		}
		pagesVisited++

		items := r.takeItems()
		titled, anchors := r.listingCounts()
		if titled != len(items) || anchors != len(items) {
			mismatch := CountMismatchError{Page: page, Titles: titled, Anchors: anchors, Items: len(items)}
			r.warn(models.Warning{
				Page:    page,
				URL:     pageURL,
				Kind:    models.WarnCountMismatch,
				Message: mismatch.Error(),
			})
			c.Metrics.IncWarning(models.WarnCountMismatch)
			slog.Warn("listing count mismatch", slog.Any("error", mismatch))
		}
		if len(items) == 0 {
			continue
		}

		r.armSlots(len(items))
		for i, item := range items {
			if existed, _ := r.seen.ContainsOrAdd(item.URL, struct{}{}); existed {
				r.warn(models.Warning{
					Page:    page,
					URL:     item.URL,
					Kind:    models.WarnDuplicate,
					Message: "detail URL already crawled",
				})
				c.Metrics.IncWarning(models.WarnDuplicate)
				continue
			}

			rctx := colly.NewContext()
			rctx.Put("page", page)
			rctx.Put("slot", i)
			rctx.Put("title", item.Title)
			if err := c.detail.Request(http.MethodGet, item.URL, nil, rctx, nil); err != nil {
				c.recordFetch(r, page, item.URL, classifyError(err, 0))
			}
		}
		c.detail.Wait()
		r.commitSlots()
	}

	return &models.CrawlResult{
		Records:      r.records,
		Warnings:     r.snapshotWarnings(),
		StartTime:    start,
		EndTime:      time.Now(),
		PageCount:    pagesVisited,
		RequestCount: r.totalRequests(),
		ErrorCount:   r.totalErrors(),
		ErrorsByType: r.snapshotErrors(),
	}, nil
}

// pageURL returns the site root for page 1 and the templated catalogue
// path for later pages. Detail links resolve against whichever listing
// URL they were found on, which reproduces the source's base switch.
func (c *Crawler) pageURL(page int) string {
	if page == 1 {
		return c.cfg.BaseURL
	}
	ref, err := c.base.Parse(fmt.Sprintf(c.cfg.PagePattern, page))
	if err != nil {
		return c.cfg.BaseURL
	}
	return ref.String()
}

func (c *Crawler) configureHandlers() {
	c.handlersOnce.Do(func() {
		c.listing.OnRequest(func(req *colly.Request) {
			req.Ctx.Put("start", time.Now())
			c.run.addRequest()
			c.Metrics.IncRequest("listing")
		})
		c.listing.OnResponse(func(resp *colly.Response) {
			if start, ok := resp.Request.Ctx.GetAny("start").(time.Time); ok {
				c.Metrics.ObserveDuration(time.Since(start))
			}
		})
		c.listing.OnError(func(resp *colly.Response, err error) {
			statusCode := 0
			pageURL := ""
			if resp != nil {
				statusCode = resp.StatusCode
				if resp.Request != nil && resp.Request.URL != nil {
					pageURL = resp.Request.URL.String()
				}
			}
			r := c.run
			c.recordFetch(r, r.currentPage(), pageURL, classifyError(err, statusCode))
			r.markPageWarned()
		})

		// Title and href come from the same anchor, in document order. An
		// anchor carrying only one of the two still bumps the counts, so
		// the page surfaces a mismatch instead of losing the item quietly.
		c.listing.OnHTML("article.product_pod h3 a", func(e *colly.HTMLElement) {
			title := strings.TrimSpace(e.Attr("title"))
			href := e.Attr("href")
			if href != "" {
				c.run.addAnchor()
			}
			if title == "" || href == "" {
				return
			}
			c.run.addItem(listItem{Title: title, URL: e.Request.AbsoluteURL(href)})
		})
		c.listing.OnHTML("a[title]", func(*colly.HTMLElement) {
			c.run.addTitled()
		})

		c.detail.OnRequest(func(req *colly.Request) {
			req.Ctx.Put("start", time.Now())
			c.run.addRequest()
			c.Metrics.IncRequest("detail")
		})
		c.detail.OnResponse(func(resp *colly.Response) {
			if start, ok := resp.Request.Ctx.GetAny("start").(time.Time); ok {
				c.Metrics.ObserveDuration(time.Since(start))
			}
			c.handleDetail(resp)
		})
		c.detail.OnError(func(resp *colly.Response, err error) {
			statusCode := 0
			itemURL := ""
			if resp != nil {
				statusCode = resp.StatusCode
				if resp.Request != nil && resp.Request.URL != nil {
					itemURL = resp.Request.URL.String()
				}
			}
			page := 0
			if resp != nil && resp.Request != nil {
				if p, ok := resp.Request.Ctx.GetAny("page").(int); ok {
					page = p
				}
			}
			c.recordFetch(c.run, page, itemURL, classifyError(err, statusCode))
		})
	})
}

func (c *Crawler) handleDetail(resp *colly.Response) {
	page, _ := resp.Request.Ctx.GetAny("page").(int)
	slot, _ := resp.Request.Ctx.GetAny("slot").(int)
	title, _ := resp.Request.Ctx.GetAny("title").(string)
	itemURL := resp.Request.URL.String()

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		c.run.warn(models.Warning{
			Page:    page,
			URL:     itemURL,
			Kind:    models.WarnExtraction,
			Message: fmt.Sprintf("parse detail page: %v", err),
		})
		c.Metrics.IncWarning(models.WarnExtraction)
		return
	}

	fields, optional, err := extract.Book(doc, resp.Request.URL)
	if err != nil {
		var exErr *extract.ExtractionError
		field := ""
		if errors.As(err, &exErr) {
			field = exErr.Field
		}
		c.run.warn(models.Warning{
			Page:    page,
			URL:     itemURL,
			Kind:    models.WarnExtraction,
			Field:   field,
			Message: err.Error(),
		})
		c.Metrics.IncWarning(models.WarnExtraction)
		slog.Warn("item skipped",
			slog.String("url", itemURL),
			slog.String("field", field),
		)
		return
	}
	for _, field := range optional {
		c.run.warn(models.Warning{
			Page:    page,
			URL:     itemURL,
			Kind:    models.WarnMissingField,
			Field:   field,
			Message: fmt.Sprintf("optional field %q absent", field),
		})
		c.Metrics.IncWarning(models.WarnMissingField)
	}

	book := &models.Book{
		ID:            uuid.NewString(),
		Title:         title,
		Price:         fields.Price,
		Category:      fields.Category,
		ImageURL:      fields.ImageURL,
		Availability:  fields.Availability,
		RatingText:    fields.RatingText,
		RatingNumeric: fields.RatingNumeric,
	}
	c.run.fillSlot(slot, book)
	c.Metrics.IncItems()
}

func (c *Crawler) recordFetch(r *run, page int, fetchURL string, err error) {
	label := errorTypeLabel(err)
	r.addError(label)
	r.warn(models.Warning{
		Page:    page,
		URL:     fetchURL,
		Kind:    models.WarnFetch,
		Message: err.Error(),
	})
	c.Metrics.IncError(label)
	c.Metrics.IncWarning(models.WarnFetch)
	slog.Warn("fetch skipped",
		slog.String("url", fetchURL),
		slog.String("category", label),
		slog.Any("error", err),
	)
}

func classifyError(err error, statusCode int) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}

	if statusCode != 0 {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		switch statusCode {
		case http.StatusForbidden:
			return ErrForbidden{Err: wrapped}
		case http.StatusNotFound:
			return ErrNotFound{Err: wrapped}
		case http.StatusTooManyRequests:
			return ErrRateLimited{Err: wrapped}
		}
	}

	if err == nil {
		return fmt.Errorf("http status %d", statusCode)
	}
	return err
}

func (r *run) beginPage(page int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.page = page
	r.items = r.items[:0]
	r.titled = 0
	r.anchors = 0
	r.pageWarned = false
	r.slots = nil
}

func (r *run) currentPage() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.page
}

func (r *run) addItem(item listItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
}

func (r *run) addTitled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titled++
}

func (r *run) addAnchor() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.anchors++
}

func (r *run) takeItems() []listItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]listItem, len(r.items))
	copy(out, r.items)
	return out
}

func (r *run) listingCounts() (titled, anchors int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.titled, r.anchors
}

func (r *run) markPageWarned() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pageWarned = true
}

func (r *run) tookPageWarning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pageWarned
}

func (r *run) armSlots(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots = make([]*models.Book, n)
}

func (r *run) fillSlot(i int, book *models.Book) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.slots) {
		return
	}
	r.slots[i] = book
}

// commitSlots appends the page's successfully assembled records in their
// in-page positions; skipped items leave no gap.
func (r *run) commitSlots() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, book := range r.slots {
		if book != nil {
			r.records = append(r.records, book)
		}
	}
	r.slots = nil
}

func (r *run) warn(w models.Warning) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, w)
}

func (r *run) addRequest() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount++
}

func (r *run) addError(label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errorCount++
	r.errorsByType[label]++
}

func (r *run) totalRequests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requestCount
}

func (r *run) totalErrors() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errorCount
}

func (r *run) snapshotWarnings() []models.Warning {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Warning, len(r.warnings))
	copy(out, r.warnings)
	return out
}

func (r *run) snapshotErrors() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.errorsByType))
	for k, v := range r.errorsByType {
		out[k] = v
	}
	return out
}
