// Package web serves the public surface: the submission form, traceroute
// pages and APIs, the operator stats report and the WebSocket event feed.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pierky/rich-traceroute/internal/config"
	"github.com/pierky/rich-traceroute/internal/db"
	"github.com/pierky/rich-traceroute/internal/events"
	"github.com/pierky/rich-traceroute/internal/traceroute"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Dispatcher is the outbound surface the server publishes enrichment jobs
// through.
type Dispatcher interface {
	Dispatch(item any)
	IsConnected() bool
}

type Server struct {
	cfg config.WebConfig

	database    *db.DB
	traceroutes *traceroute.Store
	jobs        Dispatcher
	hub         *events.Hub

	recaptcha *recaptchaVerifier
	signer    *signer
	tmpl      *template.Template
	upgrader  websocket.Upgrader

	srv    *http.Server
	logger *zap.Logger
}

func NewServer(cfg config.WebConfig, database *db.DB, traceroutes *traceroute.Store, jobs Dispatcher, hub *events.Hub, logger *zap.Logger) (*Server, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}

	s := &Server{
		cfg:         cfg,
		database:    database,
		traceroutes: traceroutes,
		jobs:        jobs,
		hub:         hub,
		recaptcha:   newRecaptchaVerifier(logger),
		signer:      newSigner(cfg.SecretKey),
		tmpl:        tmpl,
		logger:      logger.Named("web-server"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/new_traceroute", s.handleNewTraceroute).Methods(http.MethodPost)
	r.HandleFunc("/t/{id}", s.handleTraceroutePage).Methods(http.MethodGet)
	r.HandleFunc("/t/{id}/json", s.handleTracerouteJSON).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/ws/t/{id}", s.handleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:    cfg.Listen,
		Handler: r,
	}
	return s, nil
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("web server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("web server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// indexData feeds the submission form template.
type indexData struct {
	ErrCode           int
	Raw               string
	RawSignature      string
	RecaptchaV2PubKey string
	RecaptchaV3PubKey string
	ShowRecaptchaV2   bool
}

func (s *Server) renderIndex(w http.ResponseWriter, data indexData) {
	if s.cfg.Recaptcha.V2.Enabled() {
		data.RecaptchaV2PubKey = s.cfg.Recaptcha.V2.PubKey
	}
	if s.cfg.Recaptcha.V3.Enabled() {
		data.RecaptchaV3PubKey = s.cfg.Recaptcha.V3.PubKey
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.ExecuteTemplate(w, "index.html", data); err != nil {
		s.logger.Error("rendering index failed", zap.Error(err))
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var errCode int
	fmt.Sscanf(r.URL.Query().Get("err_code"), "%d", &errCode)
	s.renderIndex(w, indexData{ErrCode: errCode})
}

// handleNewTraceroute accepts a submission: CAPTCHA checks first (a failed
// v3 check downgrades to a v2 challenge with the raw preserved), then
// persist, publish the enrichment job and redirect to the traceroute page.
func (s *Server) handleNewTraceroute(w http.ResponseWriter, r *http.Request) {
	raw := r.FormValue("raw")
	if len(raw) > config.MaxRawLen {
		raw = raw[:config.MaxRawLen]
	}
	if len(raw) == 0 {
		http.Redirect(w, r, "/?err_code=3", http.StatusFound)
		return
	}

	if !s.checkCaptcha(w, r, raw) {
		return
	}

	t, err := s.traceroutes.Create(r.Context(), raw)
	if err != nil {
		s.logger.Error("storing submission failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !t.Parsed {
		http.Redirect(w, r, "/?err_code=2", http.StatusFound)
		return
	}

	s.jobs.Dispatch(t.EnricherJob())
	http.Redirect(w, r, "/t/"+t.ID, http.StatusFound)
}

// checkCaptcha runs the configured CAPTCHA flow. It reports whether the
// submission may proceed; when it returns false the response has already
// been written (a v2 challenge page or an error redirect).
func (s *Server) checkCaptcha(w http.ResponseWriter, r *http.Request, raw string) bool {
	// A v2 response means the user already went through the downgrade
	// page; the raw travelled with it and must carry a valid signature.
	if v2Token := r.FormValue("g-recaptcha-response"); v2Token != "" && s.cfg.Recaptcha.V2.Enabled() {
		if !s.signer.Verify(raw, r.FormValue("raw_sig")) ||
			!s.recaptcha.Verify(r.Context(), s.cfg.Recaptcha.V2.PvtKey, v2Token, remoteIP(r)) {
			http.Redirect(w, r, "/?err_code=1", http.StatusFound)
			return false
		}
		return true
	}

	if s.cfg.Recaptcha.V3.Enabled() {
		token := r.FormValue("recaptcha_v3_token")
		if token == "" ||
			!s.recaptcha.Verify(r.Context(), s.cfg.Recaptcha.V3.PvtKey, token, remoteIP(r)) {
			// Downgrade: re-render the form with a v2 challenge and the
			// raw preserved.
			s.renderIndex(w, indexData{
				Raw:             raw,
				RawSignature:    s.signer.Sign(raw),
				ShowRecaptchaV2: true,
			})
			return false
		}
		return true
	}

	if s.cfg.Recaptcha.V2.Enabled() {
		// v2-only deployment: the challenge is on the submission form.
		http.Redirect(w, r, "/?err_code=1", http.StatusFound)
		return false
	}
	return true
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type traceroutePageData struct {
	ID     string
	Status string
	Text   string
	Live   bool
}

func (s *Server) handleTraceroutePage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t, err := s.traceroutes.Get(r.Context(), id)
	if errors.Is(err, traceroute.ErrNotFound) {
		s.renderIndex(w, indexData{ErrCode: 1})
		return
	}
	if err != nil {
		s.logger.Error("loading traceroute failed", zap.String("id", id), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if err := s.traceroutes.BumpLastSeen(r.Context(), id); err != nil {
		s.logger.Warn("bumping last_seen failed", zap.String("id", id), zap.Error(err))
	}

	status := t.Status()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err = s.tmpl.ExecuteTemplate(w, "traceroute.html", traceroutePageData{
		ID:     t.ID,
		Status: status,
		Text:   t.ToText(),
		Live:   status == traceroute.StatusWIP,
	})
	if err != nil {
		s.logger.Error("rendering traceroute page failed", zap.Error(err))
	}
}

func (s *Server) handleTracerouteJSON(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t, err := s.traceroutes.Get(r.Context(), id)
	if errors.Is(err, traceroute.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("loading traceroute failed", zap.String("id", id), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(t.Dict())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")

	status := "not found"
	t, err := s.traceroutes.Get(r.Context(), id)
	switch {
	case err == nil:
		status = t.Status()
	case !errors.Is(err, traceroute.ErrNotFound):
		s.logger.Error("loading traceroute failed", zap.String("id", id), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.StatsToken == "" || r.URL.Query().Get("token") != s.cfg.StatsToken {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	since := time.Now().UTC().Add(-statsWindow)
	traceroutes, err := s.traceroutes.TraceroutesSince(r.Context(), since)
	if err != nil {
		s.logger.Error("loading stats window failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, statsReport(traceroutes))
}

// handleWebSocket joins the connection to the traceroute's room and
// forwards every event as a {event, payload} frame.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	ch, leave := s.hub.Join(events.Room(id))

	// The read loop only exists to notice the peer going away.
	go func() {
		defer leave()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer conn.Close()
		for env := range ch {
			frame := struct {
				Event   string          `json:"event"`
				Payload json.RawMessage `json:"payload"`
			}{Event: env.Event, Payload: env.Payload}

			if err := conn.WriteJSON(frame); err != nil {
				leave()
				// Drain so the hub-side close does not race the break.
				for range ch {
				}
				return
			}
		}
	}()
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.database.PingContext(ctx); err != nil {
		checks["db"] = "error"
		allOK = false
	} else {
		checks["db"] = "ok"
	}

	if s.jobs != nil && s.jobs.IsConnected() {
		checks["broker"] = "ok"
	} else {
		checks["broker"] = "not_connected"
		allOK = false
	}

	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}
