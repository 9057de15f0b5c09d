package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/mqttsession/internal/bus"
	"github.com/nerrad567/mqttsession/internal/session"
)

// Connection constants.
const (
	// defaultConnectTimeout is used when the session does not set one.
	defaultConnectTimeout = 10 * time.Second

	// defaultOperationTimeout bounds how long a subscribe, unsubscribe or
	// publish token is awaited before an error event is reported.
	defaultOperationTimeout = 10 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// defaultKeepAlive is the keepalive interval when the session does not set one.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// will is a last-will message stored until the next connect.
type will struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// buildClientOptions creates paho options for one session.
//
// This configures:
//   - Broker URL (the session address)
//   - Client ID (the configured one, or the identity)
//   - Authentication credentials (if provided)
//   - Clean session, keep-alive and connect timeout
//   - paho auto-reconnect and its maximum interval
//   - TLS configuration (if TLS material is present)
//   - The stored last-will message
func buildClientOptions(id bus.Identity, address string, t session.TransportOptions, w *will) (*pahomqtt.ClientOptions, error) {
	u, err := url.Parse(address)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: broker address %q", ErrInvalidOptions, address)
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(address)

	clientID := t.ClientID
	if clientID == "" {
		clientID = string(id)
	}
	opts.SetClientID(clientID)

	if t.Username != "" {
		opts.SetUsername(t.Username)
		opts.SetPassword(t.Password)
	}

	opts.SetCleanSession(t.CleanSession)

	keepAlive := defaultKeepAlive
	if t.KeepAliveSec > 0 {
		keepAlive = time.Duration(t.KeepAliveSec) * time.Second
	}
	opts.SetKeepAlive(keepAlive)

	opts.SetConnectTimeout(connectTimeout(t))

	// Initial connect failures are reported to the session, never retried here.
	opts.SetConnectRetry(false)
	opts.SetAutoReconnect(t.AutoReconnect)
	if t.MaxReconnectInterval > 0 {
		opts.SetMaxReconnectInterval(time.Duration(t.MaxReconnectInterval) * time.Second)
	}

	if t.TLS != nil {
		tlsConfig, err := buildTLSConfig(t.TLS)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	if w != nil {
		opts.SetBinaryWill(w.topic, w.payload, w.qos, w.retained)
	}

	return opts, nil
}

// connectTimeout returns the network connect timeout for t.
func connectTimeout(t session.TransportOptions) time.Duration {
	if t.ConnectTimeoutSec > 0 {
		return time.Duration(t.ConnectTimeoutSec) * time.Second
	}
	return defaultConnectTimeout
}

// buildTLSConfig decodes base64 PEM material into a tls.Config.
//
// The certificate field holds a PEM bundle with the client certificate and
// its private key. The CA field holds trusted roots; when empty the system
// pool is used.
func buildTLSConfig(t *session.TransportTLSOptions) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tlsMinVersion,
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify, //nolint:gosec // opt-in for test brokers
	}

	if t.Certificate != "" {
		bundle, err := base64.StdEncoding.DecodeString(t.Certificate)
		if err != nil {
			return nil, fmt.Errorf("%w: decoding certificate: %w", ErrInvalidOptions, err)
		}
		cert, err := tls.X509KeyPair(bundle, bundle)
		if err != nil {
			return nil, fmt.Errorf("%w: loading certificate: %w", ErrInvalidOptions, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if t.CA != "" {
		caPEM, err := base64.StdEncoding.DecodeString(t.CA)
		if err != nil {
			return nil, fmt.Errorf("%w: decoding CA: %w", ErrInvalidOptions, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("%w: no certificates in CA bundle", ErrInvalidOptions)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}
