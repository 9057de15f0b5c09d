package session

import (
	"encoding/base64"
	"time"
)

// ConnectOptions configures a connection attempt.
//
// Zero values leave the choice to the provider.
type ConnectOptions struct {
	// ClientID is the MQTT client identifier. Defaults to the session identity.
	ClientID string

	Username string
	Password string

	// KeepAlive is the MQTT keep-alive interval.
	KeepAlive time.Duration

	// ConnectTimeout bounds the network connect inside the provider.
	ConnectTimeout time.Duration

	// CleanSession asks the broker to discard previous session state.
	CleanSession bool

	// AutoReconnect lets the provider reconnect after a lost connection.
	// Reconnects are reported as ConnectEvent{Reconnected: true}.
	AutoReconnect bool

	// MaxReconnectInterval caps the provider's reconnect backoff.
	MaxReconnectInterval time.Duration

	TLS *TLSOptions
}

// TLSOptions holds TLS material as PEM bytes.
type TLSOptions struct {
	// Certificate is a PEM bundle holding a client certificate and its key.
	Certificate []byte

	// CA is a PEM bundle of trusted root certificates. Empty uses the system pool.
	CA []byte

	ServerName         string
	InsecureSkipVerify bool
}

// TransportOptions is the text-safe form of ConnectOptions handed to a
// Provider. Binary certificate material is base64 encoded and durations are
// whole seconds.
type TransportOptions struct {
	ClientID             string               `json:"clientId,omitempty"`
	Username             string               `json:"username,omitempty"`
	Password             string               `json:"password,omitempty"`
	KeepAliveSec         int                  `json:"keepAlive,omitempty"`
	ConnectTimeoutSec    int                  `json:"connectTimeout,omitempty"`
	CleanSession         bool                 `json:"cleanSession"`
	AutoReconnect        bool                 `json:"autoReconnect"`
	MaxReconnectInterval int                  `json:"maxReconnectInterval,omitempty"`
	TLS                  *TransportTLSOptions `json:"tls,omitempty"`
}

// TransportTLSOptions is the text-safe form of TLSOptions.
type TransportTLSOptions struct {
	Certificate        string `json:"certificate,omitempty"`
	CA                 string `json:"ca,omitempty"`
	ServerName         string `json:"serverName,omitempty"`
	InsecureSkipVerify bool   `json:"insecureSkipVerify,omitempty"`
}

// Transport returns the provider-facing form of o.
func (o ConnectOptions) Transport() TransportOptions {
	t := TransportOptions{
		ClientID:             o.ClientID,
		Username:             o.Username,
		Password:             o.Password,
		KeepAliveSec:         int(o.KeepAlive / time.Second),
		ConnectTimeoutSec:    int(o.ConnectTimeout / time.Second),
		CleanSession:         o.CleanSession,
		AutoReconnect:        o.AutoReconnect,
		MaxReconnectInterval: int(o.MaxReconnectInterval / time.Second),
	}

	if o.TLS != nil {
		t.TLS = &TransportTLSOptions{
			ServerName:         o.TLS.ServerName,
			InsecureSkipVerify: o.TLS.InsecureSkipVerify,
		}
		if len(o.TLS.Certificate) > 0 {
			t.TLS.Certificate = base64.StdEncoding.EncodeToString(o.TLS.Certificate)
		}
		if len(o.TLS.CA) > 0 {
			t.TLS.CA = base64.StdEncoding.EncodeToString(o.TLS.CA)
		}
	}

	return t
}
