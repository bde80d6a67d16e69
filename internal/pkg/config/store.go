package config

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Store owns the persisted configuration document. All reads return copies;
// the in-memory config is only ever mutated under the store's lock.
type Store struct {
	path    string
	certDir string

	mu        sync.Mutex
	cfg       Config
	listeners []func(Config)

	logger *zap.Logger
}

func NewStore(path, certDir string) *Store {
	return &Store{
		path:    path,
		certDir: certDir,
		cfg:     Default(),
		logger:  zap.L(),
	}
}

// Load reads the persisted config, substituting and persisting defaults if
// the file is missing or corrupt. Corruption is recoverable and never
// surfaces as an error.
func (s *Store) Load() Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.cfg = Default()
		s.saveLocked()
		return s.cfg
	}
	if err == nil {
		cfg := Default()
		if err = json.Unmarshal(data, &cfg); err == nil {
			cfg.normalize()
			s.cfg = cfg
			return s.cfg
		}
	}

	s.logger.Warn("failed to read config, using defaults", zap.String("path", s.path), zap.Error(err))
	s.cfg = Default()
	s.saveLocked()
	return s.cfg
}

// All returns a snapshot of the current config.
func (s *Store) All() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Update merges the partial into the stored config under the lock, persists
// it, and then notifies listeners outside the lock with the new snapshot.
// Listeners may reenter the store without deadlocking. A panicking listener
// is logged and does not prevent the remaining listeners from running.
func (s *Store) Update(p Partial) Config {
	s.mu.Lock()
	s.cfg.IntervalConsumedLower = lo.FromPtrOr(p.IntervalConsumedLower, s.cfg.IntervalConsumedLower)
	s.cfg.IntervalConsumedUpper = lo.FromPtrOr(p.IntervalConsumedUpper, s.cfg.IntervalConsumedUpper)
	s.cfg.IntervalGeneratedLower = lo.FromPtrOr(p.IntervalGeneratedLower, s.cfg.IntervalGeneratedLower)
	s.cfg.IntervalGeneratedUpper = lo.FromPtrOr(p.IntervalGeneratedUpper, s.cfg.IntervalGeneratedUpper)
	s.cfg.MqttPublishEnabled = lo.FromPtrOr(p.MqttPublishEnabled, s.cfg.MqttPublishEnabled)
	s.cfg.MqttHost = lo.FromPtrOr(p.MqttHost, s.cfg.MqttHost)
	s.cfg.MqttPort = lo.FromPtrOr(p.MqttPort, s.cfg.MqttPort)
	s.cfg.MqttUsername = lo.FromPtrOr(p.MqttUsername, s.cfg.MqttUsername)
	s.cfg.MqttPassword = lo.FromPtrOr(p.MqttPassword, s.cfg.MqttPassword)
	s.cfg.MqttCertFilename = lo.FromPtrOr(p.MqttCertFilename, s.cfg.MqttCertFilename)
	s.cfg.MqttTLSInsecure = lo.FromPtrOr(p.MqttTLSInsecure, s.cfg.MqttTLSInsecure)
	s.cfg.normalize()
	s.saveLocked()
	snapshot := s.cfg
	listeners := make([]func(Config), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, listener := range listeners {
		s.notify(listener, snapshot)
	}
	return snapshot
}

// OnChange registers a listener invoked with a config snapshot after every
// successful Update. There is no unregistration.
func (s *Store) OnChange(listener func(Config)) {
	if listener == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

func (s *Store) notify(listener func(Config), cfg Config) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("config listener error", zap.Any("panic", r))
		}
	}()
	listener(cfg)
}

func (s *Store) saveLocked() {
	data, err := json.MarshalIndent(s.cfg, "", "    ")
	if err != nil {
		s.logger.Error("failed to encode config", zap.Error(err))
		return
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		s.logger.Error("failed to save config", zap.String("path", s.path), zap.Error(err))
		return
	}
	s.logger.Debug("config saved", zap.String("path", s.path))
}

// CertDir is the directory uploaded CA certificates are stored under.
func (s *Store) CertDir() string {
	return s.certDir
}

// SaveCertFile writes an uploaded CA certificate under the cert dir and
// records its filename in the config. On any failure the previously
// configured filename is returned alongside the error.
func (s *Store) SaveCertFile(name string, r io.Reader) (string, error) {
	previous := s.All().MqttCertFilename
	if name == "" || !strings.HasSuffix(name, ".crt") {
		return previous, errors.New("certificate must be a .crt file")
	}
	name = filepath.Base(name)

	if err := os.MkdirAll(s.certDir, 0o755); err != nil {
		return previous, err
	}
	path := filepath.Join(s.certDir, name)
	f, err := os.Create(path)
	if err != nil {
		return previous, err
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return previous, err
	}

	s.Update(Partial{MqttCertFilename: lo.ToPtr(name)})
	s.logger.Info("certificate saved", zap.String("path", path))
	return name, nil
}
