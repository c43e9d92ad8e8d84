package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"weavectl/internal/api"
)

// HTTPServer exposes the Service over the REST API and the weaver control
// WebSocket.
type HTTPServer struct {
	svc         *Service
	authToken   string
	listen      string
	derpRefresh time.Duration
	log         *zap.Logger
	registry    *prometheus.Registry
}

// NewHTTPServer wires the transport layer. registry may be nil to disable
// the /metrics endpoint.
func NewHTTPServer(svc *Service, authToken, listen string, derpRefresh time.Duration, registry *prometheus.Registry, log *zap.Logger) *HTTPServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPServer{
		svc:         svc,
		authToken:   authToken,
		listen:      listen,
		derpRefresh: derpRefresh,
		log:         log,
		registry:    registry,
	}
}

// Router builds the route table. Exposed for tests via httptest.
func (s *HTTPServer) Router() *mux.Router {
	r := mux.NewRouter()
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	wg := r.PathPrefix("/api/wg").Subrouter()
	wg.Use(s.authMiddleware)

	wg.HandleFunc("/devices", s.handleRegisterDevice).Methods(http.MethodPost)
	wg.HandleFunc("/devices", s.handleListDevices).Methods(http.MethodGet)
	wg.HandleFunc("/devices/{id}", s.handleRevokeDevice).Methods(http.MethodDelete)

	wg.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	wg.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	wg.HandleFunc("/sessions/{id}", s.handleDeleteSession).Methods(http.MethodDelete)
	wg.HandleFunc("/sessions/{id}/handshake", s.handleSessionHandshake).Methods(http.MethodPost)

	wg.HandleFunc("/derp-map", s.handleDerpMap).Methods(http.MethodGet)

	wg.HandleFunc("/weavers", s.handleRegisterWeaver).Methods(http.MethodPost)
	wg.HandleFunc("/weavers/{id}", s.handleUnregisterWeaver).Methods(http.MethodDelete)
	wg.HandleFunc("/weavers/{id}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	wg.HandleFunc("/weavers/{id}/sessions", s.handleWeaverSessions).Methods(http.MethodGet)
	wg.HandleFunc("/weavers/{id}/events", s.handleEvents).Methods(http.MethodGet)

	return r
}

// Run serves the API and keeps the relay map fresh until ctx ends.
func (s *HTTPServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("api listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := s.svc.derp.Run(ctx, s.derpRefresh)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *HTTPServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterDeviceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.PublicKey == "" {
		writeError(w, http.StatusBadRequest, "name and public_key are required")
		return
	}
	d, err := s.svc.RegisterDevice(req.Name, req.PublicKey)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, DeviceResponse(d))
}

func (s *HTTPServer) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.svc.ListDevices()
	out := make([]api.Device, 0, len(devices))
	for _, d := range devices {
		out = append(out, DeviceResponse(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *HTTPServer) handleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RevokeDevice(mux.Vars(r)["id"]); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req api.CreateSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.DeviceID == "" || req.WeaverID == "" {
		writeError(w, http.StatusBadRequest, "device_id and weaver_id are required")
		return
	}
	res, err := s.svc.Create(req.DeviceID, req.WeaverID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, api.CreateSessionResponse{
		SessionID: res.Session.ID,
		ClientIP:  res.Session.ClientIP.String(),
		Weaver: api.WeaverInfo{
			PublicKey:      res.Weaver.PublicKey.String(),
			IP:             res.Weaver.IP.String(),
			DerpHomeRegion: res.Weaver.DerpHomeRegion,
		},
		DerpMap: res.DerpMap,
	})
}

func (s *HTTPServer) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, sessionsResponse(s.svc.ListSessions()))
}

func (s *HTTPServer) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Terminate(mux.Vars(r)["id"]); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleSessionHandshake(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.UpdateHandshake(mux.Vars(r)["id"]); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleDerpMap(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.DerpMap())
}

func (s *HTTPServer) handleRegisterWeaver(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterWeaverRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.PublicKey == "" {
		writeError(w, http.StatusBadRequest, "name and public_key are required")
		return
	}
	weaver, err := s.svc.RegisterWeaver(req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, api.RegisterWeaverResponse{
		WeaverID: weaver.ID,
		IP:       weaver.IP.String(),
		DerpMap:  s.svc.DerpMap(),
	})
}

func (s *HTTPServer) handleUnregisterWeaver(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.UnregisterWeaver(mux.Vars(r)["id"]); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req api.HeartbeatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.svc.HeartbeatWeaver(mux.Vars(r)["id"], req.Endpoint); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleWeaverSessions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.svc.GetWeaver(id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionsResponse(s.svc.ListForWeaver(id)))
}

// handleEvents upgrades to the weaver control WebSocket and pumps hub
// events until either side closes.
func (s *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.svc.GetWeaver(id); err != nil {
		s.writeServiceError(w, err)
		return
	}

	// Attach before the handshake completes so no event published between
	// the client's dial returning and this handler running is lost.
	ch, detach := s.svc.Hub().Attach(id)
	defer detach()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", zap.String("weaver_id", id), zap.Error(err))
		return
	}
	defer conn.CloseNow()
	s.log.Info("weaver event stream attached", zap.String("weaver_id", id))

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case ev := <-ch:
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				s.log.Info("weaver event stream closed",
					zap.String("weaver_id", id), zap.Error(err))
				return
			}
		}
	}
}

// writeServiceError maps domain errors to HTTP statuses.
func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrDeviceNotFound),
		errors.Is(err, ErrWeaverNotFound),
		errors.Is(err, ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDeviceRevoked),
		errors.Is(err, ErrSessionExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrPoolExhausted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func sessionsResponse(sessions []Session) []api.Session {
	out := make([]api.Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionResponse(s))
	}
	return out
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
