// Command mock-upstream is a stand-in upstream for exercising the gateway
// locally without reaching a real third-party API.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type user struct {
	Login string `json:"login"`
	ID    int    `json:"id"`
	Mock  bool   `json:"mock"`
}

func newRouter(logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/users/{username}", func(w http.ResponseWriter, r *http.Request) {
		username := chi.URLParam(r, "username")
		logger.Info("mock request", zap.String("username", username))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(user{Login: username, ID: 12345, Mock: true})
	})

	return r
}

func main() {
	addr := flag.String("addr", ":8001", "listen address")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	srv := &http.Server{
		Addr:         *addr,
		Handler:      newRouter(logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Info("mock upstream listening", zap.String("addr", *addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("mock upstream failed", zap.Error(err))
	}
}
