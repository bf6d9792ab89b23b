package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"retailsync/internal/metrics"
	"retailsync/internal/model"
	"retailsync/internal/report"
	"retailsync/internal/syncer"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the admin sync trigger, run reports and metrics over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&a.cfg.SyncOnStartup, "sync-on-startup", a.cfg.SyncOnStartup, "run a sync before serving")
	cmd.Flags().BoolVar(&a.cfg.FailStartupOnErr, "fail-startup-on-error", a.cfg.FailStartupOnErr, "exit when the startup sync fails")
	cmd.Flags().StringVar(&a.cfg.HTTPAddr, "http-addr", a.cfg.HTTPAddr, "listen address")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	reg := metrics.NewRegistry()
	o, cs, err := a.orchestrator(ctx, reg)
	if err != nil {
		return err
	}
	defer cs.Close()

	mode, err := syncer.ParseMode(a.cfg.Mode)
	if err != nil {
		return withCode(exitUsage, err)
	}
	if a.cfg.SyncOnStartup {
		sum := o.Run(ctx, mode)
		if sum.Err != nil {
			if a.cfg.FailStartupOnErr {
				return withCode(exitSyncFailed, fmt.Errorf("startup sync: %w", sum.Err))
			}
			a.log.Warn().Err(sum.Err).Msg("startup sync failed, serving anyway")
		}
	}

	admin := &adminServer{
		ctx:     ctx,
		runner:  o,
		reports: a.reportReader(),
		mode:    mode,
		metrics: reg.Handler(),
		log:     a.log,
	}
	srv := &http.Server{Addr: a.cfg.HTTPAddr, Handler: admin.routes(), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	a.log.Info().Str("addr", a.cfg.HTTPAddr).Msg("admin server listening")

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

type syncRunner interface {
	Run(ctx context.Context, mode syncer.Mode) report.Summary
	State() syncer.State
}

type adminServer struct {
	// ctx outlives single requests so a client hanging up does not cancel a run.
	ctx     context.Context
	runner  syncRunner
	reports report.Reader
	mode    syncer.Mode
	metrics http.Handler
	log     zerolog.Logger
}

type syncResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Report  *report.Summary `json:"report,omitempty"`
}

func (s *adminServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/sync", s.handleSync)
	mux.HandleFunc("/admin/report", s.handleReport)
	mux.Handle("/metrics", s.metrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "state": s.runner.State().String()})
	})
	return mux
}

func (s *adminServer) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, syncResponse{Status: "error", Message: "use POST"})
		return
	}
	mode := s.mode
	if q := r.URL.Query().Get("mode"); q != "" {
		m, err := syncer.ParseMode(q)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, syncResponse{Status: "error", Message: err.Error()})
			return
		}
		mode = m
	}
	s.log.Info().Str("mode", string(mode)).Str("remote", r.RemoteAddr).Msg("sync requested")
	sum := s.runner.Run(s.ctx, mode)
	switch {
	case sum.Err == nil:
		writeJSON(w, http.StatusOK, syncResponse{Status: "success", Message: "sync completed", Report: &sum})
	case errors.Is(sum.Err, model.ErrRunInProgress):
		writeJSON(w, http.StatusConflict, syncResponse{Status: "error", Message: sum.Err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, syncResponse{Status: "error", Message: sum.Err.Error(), Report: &sum})
	}
}

func (s *adminServer) handleReport(w http.ResponseWriter, r *http.Request) {
	sum, err := s.reports.ReadLatest()
	if err != nil {
		writeJSON(w, http.StatusNotFound, syncResponse{Status: "error", Message: "no sync report yet"})
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
