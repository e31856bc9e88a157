package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP trigger server",
	Long: `Exposes sync triggers and status over HTTP. Sync and consolidation
requests are accepted and run in the background; poll /api/status for
progress.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		r := chi.NewRouter()
		r.Use(requestID)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))

		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Route("/api", func(api chi.Router) {
			api.Get("/status", func(w http.ResponseWriter, req *http.Request) {
				report, err := e.Service.Status(req.Context())
				if err != nil {
					writeError(w, http.StatusInternalServerError, err)
					return
				}
				writeJSON(w, http.StatusOK, report)
			})

			api.Get("/log", func(w http.ResponseWriter, req *http.Request) {
				limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
				entries, err := e.SyncLog.ListRecent(req.Context(), limit)
				if err != nil {
					writeError(w, http.StatusInternalServerError, err)
					return
				}
				writeJSON(w, http.StatusOK, entries)
			})

			api.Post("/sync", func(w http.ResponseWriter, req *http.Request) {
				fresh := req.URL.Query().Get("fresh") == "true"
				go func() {
					if _, err := e.Service.RunAll(ctx, fresh); err != nil {
						zap.L().Error("background sync failed", zap.Error(err))
					}
				}()
				writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
			})

			api.Post("/sync/{source}", func(w http.ResponseWriter, req *http.Request) {
				sourceID := chi.URLParam(req, "source")
				if e.Catalog.ByID(sourceID) == nil {
					writeError(w, http.StatusNotFound, eris.Errorf("unknown source %q", sourceID))
					return
				}
				fresh := req.URL.Query().Get("fresh") == "true"
				go func() {
					if _, err := e.Service.RunSource(ctx, sourceID, fresh); err != nil {
						zap.L().Error("background sync failed",
							zap.String("source", sourceID),
							zap.Error(err),
						)
					}
				}()
				writeJSON(w, http.StatusAccepted, map[string]string{
					"status": "accepted",
					"source": sourceID,
				})
			})

			api.Post("/consolidate", func(w http.ResponseWriter, req *http.Request) {
				var body struct {
					Sources []string `json:"sources"`
				}
				if req.Body != nil {
					_ = json.NewDecoder(req.Body).Decode(&body)
				}
				go func() {
					summary, err := e.Service.RunConsolidation(ctx, body.Sources)
					if err != nil {
						zap.L().Error("background consolidation failed", zap.Error(err))
						return
					}
					zap.L().Info("background consolidation complete",
						zap.Int("entities_created", summary.EntitiesCreated),
						zap.Int("entities_updated", summary.EntitiesUpdated),
					)
				}()
				writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
			})

			api.Post("/reset/{source}", func(w http.ResponseWriter, req *http.Request) {
				sourceID := chi.URLParam(req, "source")
				if err := e.Service.Reset(req.Context(), sourceID); err != nil {
					writeError(w, http.StatusBadRequest, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]string{
					"status": "reset",
					"source": sourceID,
				})
			})
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			_ = srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// requestID tags each request with an id for log correlation.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
