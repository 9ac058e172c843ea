package app

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"convosync/internal/sweeper"
	"convosync/pkg/banner"
)

func jsonWrite(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, status int, message string) {
	jsonWrite(w, status, map[string]string{"error": message})
}

// printBanner prints the startup banner and build info.
func (a *App) printBanner() {
	verStr := a.version
	if a.commit != "" && a.commit != "none" {
		verStr += " (" + a.commit + ")"
	}
	if a.buildDate != "" && a.buildDate != "unknown" {
		verStr += " @ " + a.buildDate
	}
	banner.Print(a.cfg, verStr, a.source)
}

// routes sets up the operational HTTP surface.
func (a *App) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", a.healthzHandler).Methods(http.MethodGet)
	r.HandleFunc("/statusz", a.statuszHandler).Methods(http.MethodGet)
	r.HandleFunc("/outbox/retry", a.retryHandler).Methods(http.MethodPost)
	r.HandleFunc("/outbox/clear", a.clearHandler).Methods(http.MethodPost)
	r.HandleFunc("/sweeper/run", a.sweepHandler).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	ver := a.version
	if ver == "" {
		ver = "dev"
	}
	jsonWrite(w, http.StatusOK, map[string]string{"status": "ok", "version": ver})
}

// statuszHandler reports an engine snapshot: realtime state, connectivity
// belief and outbox depth.
func (a *App) statuszHandler(w http.ResponseWriter, _ *http.Request) {
	queued, sending, failed := a.engine.OutboxDepth()
	jsonWrite(w, http.StatusOK, map[string]any{
		"realtime": a.engine.RealtimeStatus().String(),
		"online":   a.engine.Online(),
		"outbox": map[string]int{
			"queued":  queued,
			"sending": sending,
			"failed":  failed,
		},
	})
}

func (a *App) retryHandler(w http.ResponseWriter, _ *http.Request) {
	n, err := a.engine.RetryFailedMessages()
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonWrite(w, http.StatusOK, map[string]int{"retried": n})
}

func (a *App) clearHandler(w http.ResponseWriter, _ *http.Request) {
	n, err := a.engine.ClearFailedMessages()
	if err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonWrite(w, http.StatusOK, map[string]int{"cleared": n})
}

func (a *App) sweepHandler(w http.ResponseWriter, _ *http.Request) {
	if err := sweeper.RunOnce(a.cfg.Sweeper, a.engine); err != nil {
		jsonError(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonWrite(w, http.StatusOK, map[string]string{"status": "ok"})
}

// startHTTP starts the operational HTTP server in a goroutine and returns
// a channel that will carry any fatal server error.
func (a *App) startHTTP() <-chan error {
	a.srv = &http.Server{Addr: a.cfg.Addr(), Handler: a.routes()}
	errCh := make(chan error, 1)
	go func() {
		err := a.srv.ListenAndServe()
		if err == http.ErrServerClosed {
			err = nil
		}
		errCh <- err
	}()
	return errCh
}
