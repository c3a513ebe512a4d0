package server

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// TLSConfig points at the listener's key material. Leaving CertFile and
// KeyFile empty serves plain HTTP when AllowInsecure is set.
type TLSConfig struct {
	CertFile         string
	KeyFile          string
	ClientCAFile     string
	AllowInsecure    bool
	AllowedClientCNs []string
}

// ServerTLS builds the listener's tls.Config. It returns nil for an insecure
// listener.
func ServerTLS(cfg TLSConfig) (*tls.Config, error) {
	certPath := strings.TrimSpace(cfg.CertFile)
	keyPath := strings.TrimSpace(cfg.KeyFile)
	clientCAPath := strings.TrimSpace(cfg.ClientCAFile)

	if certPath == "" || keyPath == "" {
		if len(cfg.AllowedClientCNs) > 0 || clientCAPath != "" {
			return nil, fmt.Errorf("mtls requires server certificate and key")
		}
		if cfg.AllowInsecure {
			return nil, nil
		}
		return nil, fmt.Errorf("tls certificate and key are required")
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}

	if clientCAPath != "" {
		pem, err := os.ReadFile(clientCAPath)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse client ca: invalid pem data")
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	}

	if len(cfg.AllowedClientCNs) > 0 {
		if tlsCfg.ClientCAs == nil {
			return nil, fmt.Errorf("client ca bundle required for mtls")
		}
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		allowed := make(map[string]struct{}, len(cfg.AllowedClientCNs))
		for _, name := range cfg.AllowedClientCNs {
			if trimmed := strings.TrimSpace(name); trimmed != "" {
				allowed[trimmed] = struct{}{}
			}
		}
		tlsCfg.VerifyConnection = func(cs tls.ConnectionState) error {
			for _, chain := range cs.VerifiedChains {
				if len(chain) == 0 {
					continue
				}
				if _, ok := allowed[strings.TrimSpace(chain[0].Subject.CommonName)]; ok {
					return nil
				}
			}
			return fmt.Errorf("client certificate common name not allowed")
		}
	}
	return tlsCfg, nil
}
