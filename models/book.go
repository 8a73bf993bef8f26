// Package models defines data structures shared across the harvester.
package models

import "time"

// Book is one normalized catalog record. The ID is assigned at ingestion
// time and is the sole lookup key; Price keeps the text exactly as the
// source publishes it.
type Book struct {
	ID            string `csv:"id" json:"id"`
	Title         string `csv:"title" json:"title"`
	Price         string `csv:"price" json:"price"`
	Category      string `csv:"category" json:"category"`
	ImageURL      string `csv:"image_url" json:"image_url"`
	Availability  string `csv:"availability" json:"availability"`
	RatingText    string `csv:"rating" json:"rating,omitempty"`
	RatingNumeric int    `csv:"-" json:"rating_numeric,omitempty"`
}

// Warning kinds recorded during a crawl run.
const (
	WarnFetch         = "fetch"
	WarnExtraction    = "extraction"
	WarnMissingField  = "missing_field"
	WarnCountMismatch = "count_mismatch"
	WarnDuplicate     = "duplicate"
)

// Warning is a non-fatal ingestion anomaly. The crawl records it and
// continues with the remaining pages and items.
type Warning struct {
	Page    int    `json:"page"`
	URL     string `json:"url,omitempty"`
	Kind    string `json:"kind"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// CrawlResult holds the outcome of one crawl run. Records are ordered by
// (page number, in-page position) regardless of fetch completion order.
type CrawlResult struct {
	Records      []*Book
	Warnings     []Warning
	StartTime    time.Time
	EndTime      time.Time
	PageCount    int
	RequestCount int
	ErrorCount   int
	ErrorsByType map[string]int
}
