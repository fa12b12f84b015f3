package tls

import (
	"crypto/tls"
	"fmt"
	"os"

	"golang.org/x/crypto/acme/autocert"

	"otp-auth-service/internal/config"
	"otp-auth-service/internal/util"
)

// Manager resolves server certificates in order of preference: ACME
// autocert, file-based certificates, then a generated dev certificate.
type Manager struct {
	cfg      config.ServerConfig
	autoCert *autocert.Manager
}

func NewManager(cfg config.ServerConfig) *Manager {
	m := &Manager{cfg: cfg}
	if cfg.EnableTLS && cfg.AutoCert {
		m.setupAutoCert()
	}
	return m
}

func (m *Manager) setupAutoCert() {
	if err := os.MkdirAll(m.cfg.AutoCertDir, 0o700); err != nil {
		util.Warn("could not create autocert cache directory", util.ErrorField(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.cfg.Domain),
		Cache:      autocert.DirCache(m.cfg.AutoCertDir),
		Email:      m.cfg.Email,
	}

	util.Info("autocert configured",
		util.String("domain", m.cfg.Domain),
		util.String("cache_dir", m.cfg.AutoCertDir))
}

func (m *Manager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		if cert, err := m.autoCert.GetCertificate(hello); err == nil {
			return cert, nil
		}
	}

	if m.cfg.CertFile != "" && m.cfg.KeyFile != "" {
		if cert, err := tls.LoadX509KeyPair(m.cfg.CertFile, m.cfg.KeyFile); err == nil {
			return &cert, nil
		}
	}

	return m.devCertificate()
}

func (m *Manager) devCertificate() (*tls.Certificate, error) {
	hosts := []string{m.cfg.Domain, "localhost", "127.0.0.1", "::1"}

	cert, err := generateDevCert(m.cfg.AutoCertDir, hosts)
	if err != nil {
		return nil, fmt.Errorf("generating dev certificate: %w", err)
	}

	util.Info("using generated dev certificate", util.Any("hosts", hosts))
	return &cert, nil
}

// TLSConfig returns a server configuration with modern defaults.
func (m *Manager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
	}
}

// AutocertManager exposes the ACME manager so the HTTP listener can serve
// http-01 challenges. Nil when autocert is disabled.
func (m *Manager) AutocertManager() *autocert.Manager {
	return m.autoCert
}
