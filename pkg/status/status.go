// Package status serves the device's local status and control endpoints.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/itohio/dfrnode/pkg/acquire"
	"github.com/itohio/dfrnode/pkg/errcode"
	"github.com/itohio/dfrnode/pkg/ota"
	"github.com/itohio/dfrnode/pkg/upload"
)

// Updater is the part of the OTA manager the server controls.
type Updater interface {
	Status() ota.Status
	Authorize(version string) (string, error)
	Trigger()
}

// Uploads is the part of the upload scheduler the server reports.
type Uploads interface {
	Stats() upload.Stats
	Preview() *upload.Preview
}

// Heartbeats reports heartbeat counters.
type Heartbeats interface {
	Sent() (ok, failed uint64)
	LastBeat() time.Time
}

// Options configures a Server. Nil components are omitted from the report.
type Options struct {
	Addr        string
	DeviceID    string
	Updater     Updater
	Uploads     Uploads
	Heartbeats  Heartbeats
	Acquisition func() acquire.Stats
	Gatherer    prometheus.Gatherer
	Logger      *zap.Logger
}

// Report is the body of GET /status.
type Report struct {
	DeviceID    string         `json:"deviceId"`
	Time        time.Time      `json:"time"`
	Uptime      int64          `json:"uptime"`
	Firmware    *ota.Status    `json:"firmware,omitempty"`
	Acquisition *acquire.Stats `json:"acquisition,omitempty"`
	Uploads     *upload.Stats  `json:"uploads,omitempty"`
	Heartbeat   *HeartbeatInfo `json:"heartbeat,omitempty"`
}

// HeartbeatInfo summarizes heartbeat delivery.
type HeartbeatInfo struct {
	OK     uint64    `json:"ok"`
	Failed uint64    `json:"failed"`
	Last   time.Time `json:"last"`
}

// Server is the local HTTP status server.
type Server struct {
	opts    Options
	log     *zap.Logger
	started time.Time
	router  chi.Router
}

// New creates a server.
func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		opts:    opts,
		log:     log.With(zap.String("component", "status")),
		started: time.Now(),
	}
	s.router = s.routes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/status", s.handleStatus)
	r.Get("/preview", s.handlePreview)
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/ota", func(r chi.Router) {
		r.Post("/authorize", s.handleAuthorize)
		r.Post("/check", s.handleCheck)
	})
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("status server listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	rep := Report{
		DeviceID: s.opts.DeviceID,
		Time:     now.UTC(),
		Uptime:   int64(now.Sub(s.started).Seconds()),
	}
	if s.opts.Updater != nil {
		st := s.opts.Updater.Status()
		rep.Firmware = &st
	}
	if s.opts.Acquisition != nil {
		st := s.opts.Acquisition()
		rep.Acquisition = &st
	}
	if s.opts.Uploads != nil {
		st := s.opts.Uploads.Stats()
		rep.Uploads = &st
	}
	if s.opts.Heartbeats != nil {
		ok, failed := s.opts.Heartbeats.Sent()
		rep.Heartbeat = &HeartbeatInfo{OK: ok, Failed: failed, Last: s.opts.Heartbeats.LastBeat()}
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if s.opts.Uploads == nil {
		http.Error(w, "uploads disabled", http.StatusNotFound)
		return
	}
	p := s.opts.Uploads.Preview()
	if p == nil {
		http.Error(w, "no batch delivered yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type authorizeRequest struct {
	Version string `json:"version"`
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if s.opts.Updater == nil {
		http.Error(w, "updates disabled", http.StatusNotFound)
		return
	}
	var req authorizeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	version, err := s.opts.Updater.Authorize(req.Version)
	if err != nil {
		code := http.StatusInternalServerError
		if errcode.Is(err, errcode.NotAuthorized) {
			code = http.StatusConflict
		}
		http.Error(w, err.Error(), code)
		return
	}
	s.log.Info("update authorized locally", zap.String("version", version))
	writeJSON(w, http.StatusAccepted, authorizeRequest{Version: version})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if s.opts.Updater == nil {
		http.Error(w, "updates disabled", http.StatusNotFound)
		return
	}
	s.opts.Updater.Trigger()
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
