// client.go: Package mqtt provides an abstraction for MQTT client functionality.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/chestnet/chestnet-go/internal/conf"
	"github.com/chestnet/chestnet-go/internal/errors"
	"github.com/chestnet/chestnet-go/internal/observability"
	"github.com/chestnet/chestnet-go/internal/observability/metrics"
)

// publishQoS is the delivery guarantee for diagnosis events. At-least-once
// so downstream HIS/LIS consumers never miss a finding.
const publishQoS = 1

// client implements the Client interface.
type client struct {
	config          Config
	internalClient  mqtt.Client
	lastConnAttempt time.Time
	mu              sync.Mutex
	reconnectTimer  *time.Timer
	reconnectStop   chan struct{}
	stopOnce        sync.Once
	metrics         *metrics.MQTTMetrics
}

// NewClient creates a new MQTT client from application settings.
func NewClient(settings *conf.Settings, obs *observability.Metrics) (Client, error) {
	cfg := DefaultConfig()
	cfg.Broker = settings.MQTT.Broker
	cfg.ClientID = settings.Main.Name
	cfg.Username = settings.MQTT.Username
	cfg.Password = settings.MQTT.Password
	cfg.Retain = settings.MQTT.Retain
	if settings.MQTT.TopicPrefix != "" {
		cfg.TopicPrefix = settings.MQTT.TopicPrefix
	}
	cfg.TLS = TLSConfig{
		Enabled:            settings.MQTT.TLS.Enabled,
		InsecureSkipVerify: settings.MQTT.TLS.InsecureSkipVerify,
		CACert:             settings.MQTT.TLS.CACert,
		ClientCert:         settings.MQTT.TLS.ClientCert,
		ClientKey:          settings.MQTT.TLS.ClientKey,
	}

	return &client{
		config:        cfg,
		reconnectStop: make(chan struct{}),
		metrics:       obs.MQTT,
	}, nil
}

// Connect attempts to establish a connection to the MQTT broker.
// It first resolves the broker's hostname and then attempts to connect.
func (c *client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.lastConnAttempt) < c.config.ReconnectCooldown {
		return errors.Newf("connection attempt too recent, last attempt was %v ago", time.Since(c.lastConnAttempt)).
			Component("mqtt").
			Category(errors.CategoryMQTTConn).
			Build()
	}
	c.lastConnAttempt = time.Now()

	u, err := url.Parse(c.config.Broker)
	if err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryValidation).
			Context("broker", c.config.Broker).
			Build()
	}

	host := u.Hostname()

	// Resolve hostnames up front so DNS failures surface clearly
	// instead of hiding inside the paho connect timeout
	if net.ParseIP(host) == nil {
		if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
			var dnsErr *net.DNSError
			if errors.As(err, &dnsErr) {
				return dnsErr
			}
			return errors.Newf("failed to resolve hostname %s: %v", host, err).
				Component("mqtt").
				Category(errors.CategoryMQTTConn).
				Build()
		}
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)
	opts.SetUsername(c.config.Username)
	opts.SetPassword(c.config.Password)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetConnectRetry(true)

	if useTLS(u.Scheme, c.config.TLS) {
		tlsConfig, err := buildTLSConfig(&c.config.TLS)
		if err != nil {
			return err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	c.internalClient = mqtt.NewClient(opts)

	token := c.internalClient.Connect()
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		return errors.Newf("connection timeout").
			Component("mqtt").
			Category(errors.CategoryMQTTConn).
			Context("broker", c.config.Broker).
			Build()
	}
	if err := token.Error(); err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTConn).
			Context("broker", c.config.Broker).
			Build()
	}

	c.metrics.UpdateConnectionStatus(true)

	return nil
}

// useTLS reports whether the connection should be wrapped in TLS,
// either explicitly configured or implied by the broker URL scheme.
func useTLS(scheme string, cfg TLSConfig) bool {
	return cfg.Enabled || scheme == "tls" || scheme == "ssl" || scheme == "mqtts"
}

// buildTLSConfig assembles a tls.Config from certificate file paths.
// Missing files fail with explicit messages, the paho connect timeout
// would otherwise mask a bad path as an unreachable broker.
func buildTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // operator opt-in for self-signed broker certs
	}

	if cfg.CACert != "" {
		if _, err := os.Stat(cfg.CACert); err != nil {
			return nil, errors.Newf("CA certificate file does not exist: %s", cfg.CACert).
				Component("mqtt").
				Category(errors.CategoryConfiguration).
				Build()
		}
		caPEM, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, errors.New(err).
				Component("mqtt").
				Category(errors.CategoryConfiguration).
				Context("ca_cert", cfg.CACert).
				Build()
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, errors.Newf("failed to parse CA certificate: %s", cfg.CACert).
				Component("mqtt").
				Category(errors.CategoryConfiguration).
				Build()
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.ClientCert != "" || cfg.ClientKey != "" {
		if _, err := os.Stat(cfg.ClientCert); err != nil {
			return nil, errors.Newf("client certificate file does not exist: %s", cfg.ClientCert).
				Component("mqtt").
				Category(errors.CategoryConfiguration).
				Build()
		}
		if _, err := os.Stat(cfg.ClientKey); err != nil {
			return nil, errors.Newf("client key file does not exist: %s", cfg.ClientKey).
				Component("mqtt").
				Category(errors.CategoryConfiguration).
				Build()
		}
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, errors.New(err).
				Component("mqtt").
				Category(errors.CategoryConfiguration).
				Context("client_cert", cfg.ClientCert).
				Build()
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// Publish sends a message to the specified topic on the MQTT broker.
func (c *client) Publish(ctx context.Context, topic string, payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.IsConnected() {
		return errors.Newf("not connected to MQTT broker").
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("topic", topic).
			Build()
	}

	timer := c.metrics.StartPublishTimer()
	defer timer.ObserveDuration()

	token := c.internalClient.Publish(topic, publishQoS, c.config.Retain, payload)
	if !token.WaitTimeout(c.config.PublishTimeout) {
		mqttLogger.Warn("publish timeout", "topic", topic)
		return errors.Newf("publish timeout").
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("topic", topic).
			Build()
	}
	if err := token.Error(); err != nil {
		c.metrics.IncrementErrors()
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("topic", topic).
			Build()
	}

	c.metrics.ObserveMessageSize(float64(len(payload)))
	mqttLogger.Debug("message published", "topic", topic, "bytes", len(payload))

	return nil
}

// PublishDiagnosis serializes a diagnosis event and publishes it under
// the risk-level topic. Delivery metrics are labeled per risk level.
func (c *client) PublishDiagnosis(ctx context.Context, event *DiagnosisEventDTO) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTPublish).
			Context("xray_id", event.XRayID).
			Build()
	}

	topic := DiagnosisTopic(c.config.TopicPrefix, event.RiskLevel)
	if err := c.Publish(ctx, topic, string(payload)); err != nil {
		return err
	}

	c.metrics.IncrementMessagesDelivered(event.RiskLevel)

	return nil
}

// IsConnected returns true if the client is currently connected to the MQTT broker.
func (c *client) IsConnected() bool {
	return c.internalClient != nil && c.internalClient.IsConnected()
}

// Disconnect closes the connection to the MQTT broker.
func (c *client) Disconnect() {
	if c.internalClient != nil && c.internalClient.IsConnected() {
		c.internalClient.Disconnect(uint(c.config.DisconnectTimeout.Milliseconds()))
		c.metrics.UpdateConnectionStatus(false)
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.stopOnce.Do(func() {
		close(c.reconnectStop)
	})
}

func (c *client) onConnect(_ mqtt.Client) {
	mqttLogger.Info("connected to MQTT broker", "broker", c.config.Broker)
	c.metrics.UpdateConnectionStatus(true)
}

func (c *client) onConnectionLost(_ mqtt.Client, err error) {
	mqttLogger.Warn("connection to MQTT broker lost", "broker", c.config.Broker, "error", err)
	c.metrics.UpdateConnectionStatus(false)
	c.metrics.IncrementErrors()
	c.startReconnectTimer()
}

func (c *client) startReconnectTimer() {
	c.reconnectTimer = time.AfterFunc(c.config.ReconnectDelay, func() {
		select {
		case <-c.reconnectStop:
			return
		default:
			c.reconnectWithBackoff()
		}
	})
}

func (c *client) reconnectWithBackoff() {
	backoff := time.Second
	maxBackoff := 5 * time.Minute

	for {
		c.metrics.IncrementReconnectAttempts()
		ctx, cancel := context.WithTimeout(context.Background(), c.config.ConnectTimeout)
		err := c.Connect(ctx)
		cancel()

		if err == nil {
			mqttLogger.Info("successfully reconnected to MQTT broker", "broker", c.config.Broker)
			return
		}

		c.metrics.IncrementErrors()
		mqttLogger.Warn("failed to reconnect to MQTT broker",
			"broker", c.config.Broker,
			"error", err,
			"retry_in", backoff)

		select {
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		case <-c.reconnectStop:
			return
		}
	}
}
