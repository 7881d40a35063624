package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/corpus-cli/internal/ledger"
	"github.com/sells-group/corpus-cli/internal/model"
	"github.com/sells-group/corpus-cli/internal/monitoring"
	"github.com/sells-group/corpus-cli/internal/rank"
	"github.com/sells-group/corpus-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve search and the run ledger over read-only HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		st, err := initStore(ctx, "serve")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		checker := monitoring.NewChecker(
			monitoring.NewCollector(st),
			monitoring.NewAlerter(cfg.Monitoring),
			cfg.Monitoring,
		)
		go func() {
			checker.Check(ctx, zap.L().With(zap.String("component", "monitoring.checker")))
			checker.Run(ctx)
		}()

		a := &api{
			store:    st,
			ledger:   ledger.New(st),
			searcher: newSearcher(st, cfg.Rank),
			checker:  checker,
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           a.routes(cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// api serves read-only views of the corpus and the ledger.
type api struct {
	store    store.Store
	ledger   *ledger.Ledger
	searcher *rank.Searcher
	checker  *monitoring.Checker
}

func (a *api) routes(origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/search", a.handleSearch)
		r.Get("/records/{recordID}", a.handleRecord)
		r.Get("/runs", a.handleRuns)
		r.Get("/runs/stats", a.handleRunStats)
		r.Get("/runs/{runID}", a.handleRun)
		r.Get("/monitoring", a.handleMonitoring)
	})
	return r
}

func (a *api) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters, err := buildFilters(q["source"], q["tag"], q["cluster"], q["lang"], q.Get("from"), q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := intParam(q.Get("limit"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := a.searcher.Search(r.Context(), q.Get("q"), filters, rank.Page{Limit: limit, Offset: offset})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) handleRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "recordID")
	rec, err := a.store.GetRecord(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	links, err := a.store.ListEntityLinks(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"record":   rec,
		"entities": links,
	})
}

func (a *api) handleRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{Capability: model.Capability(q.Get("capability"))}
	if s := q.Get("status"); s != "" {
		status, err := model.ParseRunStatus(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		filter.Status = status
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit"), 50); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	runs, err := a.ledger.List(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *api) handleRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.ledger.Get(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *api) handleRunStats(w http.ResponseWriter, r *http.Request) {
	since := 24 * time.Hour
	if s := r.URL.Query().Get("since"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, eris.Errorf("invalid since %q", s))
			return
		}
		since = d
	}
	stats, err := a.ledger.Stats(r.Context(), since)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if stats == nil {
		stats = []store.RunStat{}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *api) handleMonitoring(w http.ResponseWriter, _ *http.Request) {
	var snap *monitoring.MetricsSnapshot
	if a.checker != nil {
		snap = a.checker.Last()
	}
	if snap == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no snapshot collected yet"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, eris.Errorf("invalid number %q", s)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("serve: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	zap.L().Error("serve: request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, eris.New("internal error"))
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
