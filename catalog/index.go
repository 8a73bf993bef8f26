// Package catalog serves queries over the records of the most recently
// loaded snapshot. The index is immutable once built; a reload swaps the
// whole view atomically, so readers never observe a partial load.
package catalog

import (
	"errors"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/aluiziolira/go-book-catalog/models"
	"github.com/aluiziolira/go-book-catalog/snapshot"
)

// ErrNotFound is returned by Get for an unknown id.
var ErrNotFound = errors.New("catalog: book not found")

// ErrNoResults is returned by Search when the result set is empty. It is
// an expected query outcome, distinct from an internal failure.
var ErrNoResults = errors.New("catalog: no books matched")

type loadState int

const (
	stateAbsent loadState = iota
	stateMalformed
	stateLoaded
)

type view struct {
	byID       map[string]*models.Book
	ordered    []*models.Book
	categories []string
	state      loadState
}

// Index is the queryable in-memory structure loaded from a snapshot.
// Reads are lock-free; Load replaces the entire view.
type Index struct {
	view atomic.Pointer[view]
}

// NewIndex returns an empty, queryable index.
func NewIndex() *Index {
	ix := &Index{}
	ix.view.Store(emptyView(stateAbsent))
	return ix
}

// Load reads the store's snapshot and swaps it in. On failure the index
// is left empty but queryable and the error is returned for reporting;
// startup must not fail on a missing or malformed snapshot.
func (ix *Index) Load(store *snapshot.Store) error {
	books, err := store.Read()
	if err != nil {
		state := stateMalformed
		if errors.Is(err, snapshot.ErrNoSnapshot) {
			state = stateAbsent
		}
		ix.view.Store(emptyView(state))
		return err
	}
	ix.view.Store(buildView(books))
	return nil
}

// All returns every record in snapshot order.
func (ix *Index) All() []*models.Book {
	v := ix.view.Load()
	out := make([]*models.Book, len(v.ordered))
	copy(out, v.ordered)
	return out
}

// Count returns the number of loaded records.
func (ix *Index) Count() int {
	return len(ix.view.Load().ordered)
}

// Get returns the record with the given id, or ErrNotFound.
func (ix *Index) Get(id string) (*models.Book, error) {
	book, ok := ix.view.Load().byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return book, nil
}

// Search returns the records whose title contains title
// case-insensitively and whose category equals category
// case-insensitively, in snapshot order. Either filter may be empty. An
// empty result set signals ErrNoResults, matching the source behavior of
// reporting not-found rather than an empty list.
func (ix *Index) Search(title, category string) ([]*models.Book, error) {
	v := ix.view.Load()

	titleFilter := strings.ToLower(title)
	categoryFilter := strings.ToLower(category)

	var out []*models.Book
	for _, book := range v.ordered {
		if titleFilter != "" && !strings.Contains(strings.ToLower(book.Title), titleFilter) {
			continue
		}
		if categoryFilter != "" && strings.ToLower(book.Category) != categoryFilter {
			continue
		}
		out = append(out, book)
	}
	if len(out) == 0 {
		return nil, ErrNoResults
	}
	return out, nil
}

// Categories returns the distinct non-empty category values, sorted
// lexicographically on the stored casing.
func (ix *Index) Categories() []string {
	v := ix.view.Load()
	out := make([]string, len(v.categories))
	copy(out, v.categories)
	return out
}

func emptyView(state loadState) *view {
	return &view{
		byID:  make(map[string]*models.Book),
		state: state,
	}
}

func buildView(books []*models.Book) *view {
	v := &view{
		byID:    make(map[string]*models.Book, len(books)),
		ordered: books,
		state:   stateLoaded,
	}
	distinct := make(map[string]struct{})
	for _, book := range books {
		v.byID[book.ID] = book
		if book.Category != "" {
			distinct[book.Category] = struct{}{}
		}
	}
	v.categories = make([]string, 0, len(distinct))
	for category := range distinct {
		v.categories = append(v.categories, category)
	}
	sort.Strings(v.categories)
	return v
}
