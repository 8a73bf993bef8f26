// Package api exposes the HTTP query surface over the catalog index.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aluiziolira/go-book-catalog/catalog"
)

// Server wires HTTP handlers to the catalog index.
type Server struct {
	router chi.Router
	index  *catalog.Index
}

// NewServer constructs a Server with middleware and routes.
func NewServer(index *catalog.Index) *Server {
	s := &Server{index: index}

	r := chi.NewRouter()
	r.Use(loggingMiddleware)
	r.Use(recoverMiddleware)

	r.Get("/", s.root)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/books", s.listBooks)
		r.Get("/books/search", s.searchBooks)
		r.Get("/books/{book_id}", s.getBook)
		r.Get("/categories", s.listCategories)
		r.Get("/health", s.health)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("request served",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("handler panic",
					slog.String("path", r.URL.Path),
					slog.Any("panic", rec),
				)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
