// Command app is a small chi application protected in process by the
// inspection engine. It serves as an upstream for the gateway demo too.
package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/klyr/bastion/internal/appsec"
	"github.com/klyr/bastion/internal/config"
	"github.com/klyr/bastion/internal/httpsec"
	"github.com/klyr/bastion/internal/logging"
	"github.com/klyr/bastion/internal/trace"
)

type comment struct {
	Text string `json:"text"`
}

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	cfg := &config.Config{AppSec: config.AppSecConfig{Enabled: true}}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		logger.Fatal().Err(err).Msg("Invalid environment")
	}
	engine, err := appsec.New(appsec.FromConfig(cfg), appsec.WithLogger(logger))
	if err != nil {
		logger.Fatal().Err(err).Msg("Could not start the inspection engine")
	}

	decisions := logging.NewDecisionLogger(os.Stdout)
	protect := httpsec.Chi(engine, httpsec.WithOnFinish(func(rec *trace.Record) {
		_ = decisions.Write(logging.FromRecord(rec, engine.Snapshot().Mode()))
	}))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.With(protect).Get("/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.With(protect).Get("/search", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("search: " + r.URL.Query().Get("q")))
	})
	r.With(protect).Post("/comment", func(w http.ResponseWriter, r *http.Request) {
		var c comment
		_ = json.NewDecoder(r.Body).Decode(&c)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c)
	})
	r.With(protect).Get("/archive/{year}/{month}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(chi.URLParam(r, "year") + "/" + chi.URLParam(r, "month")))
	})

	srv := &http.Server{
		Addr:              ":8080",
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info().Str("listen", srv.Addr).Msg("Demo app listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("Demo app stopped")
	}
}
