package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/anicoll/metersim/internal/pkg/config"
)

type busClient interface {
	IsConnected() bool
}

// server is the HTTP control surface: configuration read/update (including
// certificate upload), bus status, metrics and the live-broadcast WebSocket.
type server struct {
	store  *config.Store
	bus    busClient
	hub    *Hub
	logger *zap.Logger
}

func New(store *config.Store, bus busClient, hub *Hub) *server {
	return &server{
		store:  store,
		bus:    bus,
		hub:    hub,
		logger: zap.L(),
	}
}

func (s *server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(LoggingMiddleware)
	r.HandleFunc("/configuration", s.getConfiguration).Methods(http.MethodGet)
	r.HandleFunc("/configuration", s.postConfiguration).Methods(http.MethodPost)
	r.HandleFunc("/mqtt_status", s.mqttStatus).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.hub.ServeWS)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *server) getConfiguration(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.store.All())
}

// postConfiguration mirrors the original configuration form: interval and
// broker fields plus an optional mqtt_cert certificate upload. The store's
// change listeners take care of actually applying the result.
func (s *server) postConfiguration(w http.ResponseWriter, r *http.Request) {
	var certFilename *string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			handleError(w, http.StatusBadRequest, err)
			return
		}
		if file, header, err := r.FormFile("mqtt_cert"); err == nil {
			defer file.Close()
			name, err := s.store.SaveCertFile(header.Filename, file)
			if err != nil {
				s.logger.Warn("could not save uploaded certificate, keeping previous one", zap.Error(err))
			} else {
				certFilename = &name
			}
		}
	} else if err := r.ParseForm(); err != nil {
		handleError(w, http.StatusBadRequest, err)
		return
	}

	partial := config.Partial{MqttCertFilename: certFilename}
	fields := []struct {
		name string
		dst  **float64
	}{
		{"consumed_lower", &partial.IntervalConsumedLower},
		{"consumed_upper", &partial.IntervalConsumedUpper},
		{"generated_lower", &partial.IntervalGeneratedLower},
		{"generated_upper", &partial.IntervalGeneratedUpper},
	}
	for _, f := range fields {
		v := r.FormValue(f.name)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			handleError(w, http.StatusBadRequest, err)
			return
		}
		*f.dst = &parsed
	}

	if v := r.FormValue("mqtt_publish_enabled"); v != "" {
		partial.MqttPublishEnabled = lo.ToPtr(strings.EqualFold(v, "true"))
	}
	if v := r.FormValue("mqtt_host"); v != "" {
		partial.MqttHost = &v
	}
	if v := r.FormValue("mqtt_port"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			handleError(w, http.StatusBadRequest, err)
			return
		}
		partial.MqttPort = &port
	}
	if v := r.FormValue("mqtt_username"); v != "" {
		partial.MqttUsername = &v
	}
	if v := r.FormValue("mqtt_password"); v != "" {
		partial.MqttPassword = &v
	}

	s.store.Update(partial)
	s.logger.Info("configuration updated")
	writeJSON(w, map[string]string{"message": "Configuration updated successfully"})
}

func (s *server) mqttStatus(w http.ResponseWriter, r *http.Request) {
	connected := s.bus.IsConnected()
	s.logger.Info("mqtt connection status", zap.Bool("connected", connected))
	writeJSON(w, map[string]bool{"connected": connected})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func handleError(w http.ResponseWriter, status int, err error) {
	w.WriteHeader(status)
	w.Write([]byte(err.Error()))
}
