package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aluiziolira/go-book-catalog/catalog"
)

func (s *Server) root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "book-catalog",
		"status":  "online",
	})
}

func (s *Server) listBooks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.index.All())
}

func (s *Server) getBook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "book_id")
	book, err := s.index.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "book with id "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (s *Server) searchBooks(w http.ResponseWriter, r *http.Request) {
	title := r.URL.Query().Get("title")
	category := r.URL.Query().Get("category")

	books, err := s.index.Search(title, category)
	if err != nil {
		if errors.Is(err, catalog.ErrNoResults) {
			writeError(w, http.StatusNotFound, "no books matched the given search criteria")
			return
		}
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, books)
}

func (s *Server) listCategories(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.index.Categories())
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	status := s.index.Health()
	code := http.StatusOK
	if status.Status != catalog.StatusOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encode response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}
