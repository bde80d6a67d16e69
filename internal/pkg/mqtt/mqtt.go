package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	paho_mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/anicoll/metersim/internal/pkg/config"
	"github.com/anicoll/metersim/internal/pkg/metrics"
)

const (
	// PublishTopic carries outbound readings.
	PublishTopic = "mock/energy_meter/id001/data"
	// ControlTopic carries inbound plain-text control actions.
	ControlTopic = "mock/energy_meter/id001/control"

	connectTimeout    = 5 * time.Second
	publishTimeout    = 10 * time.Second
	disconnectQuiesce = 250 // milliseconds
)

var errConnectTimeout = errors.New("unable to connect in time")

// Client manages at most one live broker connection. StartClient, StopClient,
// SafePublish and IsConnected all serialize on the same lock so the handle
// can never be observed in a half-torn-down state.
type Client struct {
	certDir   string
	onMessage func(string)
	logger    *zap.Logger

	// newClient is replaced in tests with a fake paho constructor.
	newClient func(*paho_mqtt.ClientOptions) paho_mqtt.Client

	mu     sync.Mutex
	client paho_mqtt.Client
	cfg    config.Config // snapshot the current session was established with
}

// New creates a disconnected client. onMessage receives the decoded payload
// of every message arriving on the control topic.
func New(certDir string, onMessage func(string)) *Client {
	return &Client{
		certDir:   certDir,
		onMessage: onMessage,
		logger:    zap.L(),
		newClient: paho_mqtt.NewClient,
	}
}

// StartClient tears down any previous session and connects with the given
// config snapshot. A missing host and a failed connection attempt are both
// non-fatal: the handle stays nil and a later StartClient may retry.
func (c *Client) StartClient(cfg config.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()
	c.cfg = cfg

	if cfg.MqttHost == "" {
		c.logger.Info("mqtt host not configured, skipping client startup")
		return
	}

	clientID := fmt.Sprintf("mock-meter-%s", uuid.NewString()[:8])
	scheme := "tcp"
	tlsCfg := c.tlsConfig(cfg)
	if tlsCfg != nil {
		scheme = "ssl"
	}

	opts := paho_mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.MqttHost, cfg.MqttPort)).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(2 * time.Second)

	if cfg.MqttUsername != "" || cfg.MqttPassword != "" {
		opts.SetUsername(cfg.MqttUsername)
		opts.SetPassword(cfg.MqttPassword)
	}
	if tlsCfg != nil {
		opts.SetTLSConfig(tlsCfg)
	}

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ paho_mqtt.Client, err error) {
		c.logger.Warn("mqtt disconnected", zap.Error(err))
	})

	client := c.newClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		c.logger.Error("mqtt connection failed", zap.String("host", cfg.MqttHost), zap.Error(errConnectTimeout))
		return
	}
	if err := token.Error(); err != nil {
		c.logger.Error("mqtt connection failed", zap.String("host", cfg.MqttHost), zap.Error(err))
		return
	}

	c.client = client
	metrics.BusConnects.Inc()
	c.logger.Info("connected to mqtt broker",
		zap.String("host", cfg.MqttHost),
		zap.Int("port", cfg.MqttPort),
		zap.String("client_id", clientID))
}

// StopClient disconnects any live session. Safe to call with no active
// connection; the handle is always cleared.
func (c *Client) StopClient() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Client) stopLocked() {
	if c.client == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("mqtt stop failed", zap.Any("panic", r))
		}
		c.client = nil
	}()
	c.client.Disconnect(disconnectQuiesce)
	c.logger.Info("mqtt client stopped")
}

// SafePublish serializes the payload and publishes it to the data topic.
// No-op unless publishing is enabled in the session's config snapshot and a
// live connection exists. Failures are logged, never raised.
func (c *Client) SafePublish(payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.cfg.MqttPublishEnabled {
		return
	}
	if c.client == nil || !c.client.IsConnectionOpen() {
		c.logger.Warn("mqtt client is nil or not connected, dropping payload")
		return
	}

	data, err := encodePayload(payload)
	if err != nil {
		c.logger.Error("failed to encode mqtt payload", zap.Error(err))
		metrics.BusPublishFailures.Inc()
		return
	}

	token := c.client.Publish(PublishTopic, 0, false, data)
	if !token.WaitTimeout(publishTimeout) {
		c.logger.Warn("mqtt publish timed out")
		metrics.BusPublishFailures.Inc()
		return
	}
	if err := token.Error(); err != nil {
		c.logger.Error("mqtt publish error", zap.Error(err))
		metrics.BusPublishFailures.Inc()
		return
	}
	metrics.BusPublishes.Inc()
	c.logger.Debug("mqtt outbound", zap.ByteString("payload", data))
}

// IsConnected reports connection liveness. Never errors.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil && c.client.IsConnectionOpen()
}

func (c *Client) onConnect(client paho_mqtt.Client) {
	c.logger.Info("mqtt connected, subscribing", zap.String("topic", ControlTopic))
	token := client.Subscribe(ControlTopic, 0, c.handleMessage)
	if !token.WaitTimeout(connectTimeout) {
		c.logger.Warn("mqtt subscribe timed out", zap.String("topic", ControlTopic))
		return
	}
	if err := token.Error(); err != nil {
		c.logger.Error("mqtt subscribe failed", zap.String("topic", ControlTopic), zap.Error(err))
	}
}

func (c *Client) handleMessage(_ paho_mqtt.Client, msg paho_mqtt.Message) {
	payload := string(msg.Payload())
	c.logger.Info("mqtt inbound", zap.String("topic", msg.Topic()), zap.String("payload", payload))
	if c.onMessage == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("mqtt message callback error", zap.Any("panic", r))
		}
	}()
	c.onMessage(payload)
}

// tlsConfig builds the TLS configuration for the session, or nil for a
// plaintext connection. A configured but missing certificate file degrades
// to plaintext rather than failing the startup. With mqtt_tls_insecure set,
// hostname verification is skipped but the chain must still validate
// against the configured CA.
func (c *Client) tlsConfig(cfg config.Config) *tls.Config {
	if cfg.MqttCertFilename == "" {
		c.logger.Info("no mqtt certificate configured, connecting without tls")
		return nil
	}
	path := filepath.Join(c.certDir, cfg.MqttCertFilename)
	pem, err := os.ReadFile(path)
	if err != nil {
		c.logger.Info("mqtt certificate not found, connecting without tls", zap.String("path", path), zap.Error(err))
		return nil
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		c.logger.Warn("mqtt certificate not parseable, connecting without tls", zap.String("path", path))
		return nil
	}

	tlsCfg := &tls.Config{RootCAs: pool}
	if cfg.MqttTLSInsecure {
		// Skip hostname verification only; the CA chain is still required.
		tlsCfg.InsecureSkipVerify = true
		tlsCfg.VerifyConnection = func(cs tls.ConnectionState) error {
			opts := x509.VerifyOptions{
				Roots:         pool,
				Intermediates: x509.NewCertPool(),
			}
			for _, cert := range cs.PeerCertificates[1:] {
				opts.Intermediates.AddCert(cert)
			}
			_, err := cs.PeerCertificates[0].Verify(opts)
			return err
		}
	}
	c.logger.Info("tls enabled for mqtt", zap.String("ca_cert", path), zap.Bool("verify_hostname", !cfg.MqttTLSInsecure))
	return tlsCfg
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		return json.Marshal(p)
	}
}
