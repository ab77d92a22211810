package api

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
)

// TLSFiles names the certificate pair the server presents.
type TLSFiles struct {
	CertFile string
	KeyFile  string
}

// TLSFromEnv overlays NARRATIVE_TLS_CERT and NARRATIVE_TLS_KEY onto base.
func TLSFromEnv(base TLSFiles) TLSFiles {
	if v := os.Getenv("NARRATIVE_TLS_CERT"); v != "" {
		base.CertFile = v
	}
	if v := os.Getenv("NARRATIVE_TLS_KEY"); v != "" {
		base.KeyFile = v
	}
	return base
}

// Enabled reports whether any half of the pair is configured.
func (f TLSFiles) Enabled() bool {
	return f.CertFile != "" || f.KeyFile != ""
}

// Load reads the pair. It returns nil, nil when TLS is off and an error when
// only one of the two files is named.
func (f TLSFiles) Load() (*tls.Config, error) {
	if !f.Enabled() {
		return nil, nil
	}
	if f.CertFile == "" || f.KeyFile == "" {
		return nil, errors.New("TLS needs both a certificate and a key file")
	}
	cert, err := tls.LoadX509KeyPair(f.CertFile, f.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
