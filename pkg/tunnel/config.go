package tunnel

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// TLSConfig holds the knobs pipelines actually vary when building a TLS
// engine. Anything beyond this is better expressed with a hand-built
// *tls.Config passed straight to NewTLS.
type TLSConfig struct {
	// Certificates are presented to the peer. Required for servers,
	// optional for clients.
	Certificates []tls.Certificate

	// RootCAs verifies server certificates on the client side. Nil means
	// the host pool.
	RootCAs *x509.CertPool

	// ClientCAs verifies client certificates when ClientAuth demands one.
	ClientCAs *x509.CertPool

	// ClientAuth is the server's client-certificate policy.
	ClientAuth tls.ClientAuthType

	// ServerName is the name clients verify and send as SNI. A connecting
	// stage overrides it with the endpoint host when unset.
	ServerName string

	// InsecureSkipVerify disables certificate verification.
	// Only for testing - never use in production!
	InsecureSkipVerify bool

	// NextProtos advertises ALPN protocols, when the deployment uses them.
	NextProtos []string
}

// NewClientTLSConfig builds a *tls.Config for the connecting side of a
// tunnel stage.
func NewClientTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("TLSConfig is required")
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Certificates:       cfg.Certificates,
		RootCAs:            cfg.RootCAs,
		ServerName:         cfg.ServerName,
		NextProtos:         cfg.NextProtos,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}, nil
}

// NewServerTLSConfig builds a *tls.Config for the accepting side of a
// tunnel stage.
func NewServerTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("TLSConfig is required")
	}
	if len(cfg.Certificates) == 0 {
		return nil, fmt.Errorf("server certificate is required")
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: cfg.Certificates,
		ClientCAs:    cfg.ClientCAs,
		ClientAuth:   cfg.ClientAuth,
		NextProtos:   cfg.NextProtos,
	}, nil
}
