// This file is to handle things such as metrics/health/topology inspection, etc

package webapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arkstore/curator/topology"
)

// Refresher triggers one synchronization pass out of schedule.
type Refresher interface {
	ForceUpdate(ctx context.Context) bool
}

type WebServerOptions struct {
	Logger        *zap.Logger
	LogLevel      *zap.AtomicLevel
	ListenAddress string

	Store     *topology.Store
	Refresher Refresher
}

type WebServer struct {
	logger        *zap.Logger
	logLevel      *zap.AtomicLevel
	listenAddress string
	store         *topology.Store
	refresher     Refresher
	httpServer    *http.Server
}

func newWebServer(opts WebServerOptions) *WebServer {
	return &WebServer{
		logger:        opts.Logger,
		logLevel:      opts.LogLevel,
		listenAddress: opts.ListenAddress,
		store:         opts.Store,
		refresher:     opts.Refresher,
	}
}

func (w *WebServer) handleRoot(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(200)
	_, err := rw.Write([]byte("Welcome to the curator internal webapi"))
	if err != nil {
		w.logger.Debug("failed to write generic root response", zap.Error(err))
	}
}

func (w *WebServer) handleHealthz(rw http.ResponseWriter, r *http.Request) {
	rw.WriteHeader(200)
	_, err := rw.Write([]byte("ok"))
	if err != nil {
		w.logger.Debug("failed to write health response", zap.Error(err))
	}
}

func (w *WebServer) handleTopology(rw http.ResponseWriter, r *http.Request) {
	snap := w.store.Snapshot()

	rw.Header().Set("Content-Type", "application/json")
	encoder := json.NewEncoder(rw)
	if err := encoder.Encode(snap); err != nil {
		w.logger.Debug("failed to write topology snapshot", zap.Error(err))
	}
}

// handleRefresh triggers an out-of-schedule synchronization pass.  The
// pass serializes on the cluster update lock, so an in-flight scheduled
// pass finishes first.
func (w *WebServer) handleRefresh(rw http.ResponseWriter, r *http.Request) {
	ok := w.refresher.ForceUpdate(r.Context())
	if !ok {
		rw.WriteHeader(http.StatusInternalServerError)
		_, _ = rw.Write([]byte("update failed, see logs"))
		return
	}

	rw.WriteHeader(200)
	_, _ = rw.Write([]byte("updated"))
}

func (w *WebServer) ListenAndServe() error {
	r := mux.NewRouter()

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", w.handleHealthz)
	r.HandleFunc("/topology", w.handleTopology).Methods("GET")
	r.HandleFunc("/topology/refresh", w.handleRefresh).Methods("POST")
	r.HandleFunc("/", w.handleRoot)

	w.httpServer = &http.Server{
		Handler:      r,
		Addr:         w.listenAddress,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return w.httpServer.ListenAndServe()
}

var globalWebLock sync.Mutex
var globalWebServer *WebServer = nil

func InitializeWebServer(opts WebServerOptions) {
	globalWebLock.Lock()
	if globalWebServer != nil {
		globalWebLock.Unlock()
		return
	}

	globalWebServer = newWebServer(opts)
	globalWebLock.Unlock()
	go func() {
		err := globalWebServer.ListenAndServe()
		if err != nil {
			opts.Logger.Error("failed to listen and serve web server", zap.Error(err))
		}
	}()
}
