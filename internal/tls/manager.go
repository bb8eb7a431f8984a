package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"sync"

	"identity-service/internal/config"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
)

// ErrNoCertificate is returned when no certificate source could serve a handshake.
var ErrNoCertificate = errors.New("no certificate available")

type TLSManager struct {
	cfg        config.ServerConfig
	production bool
	autoCert   *autocert.Manager
	logger     *zap.Logger

	// devCert is generated once and reused across handshakes.
	devOnce sync.Once
	devCert *tls.Certificate
	devErr  error
}

// NewTLSManager picks certificate sources from the server config: ACME when
// AutoCert is on, then the configured key pair, then (outside production) a
// self-signed development certificate.
func NewTLSManager(cfg config.ServerConfig, production bool, logger *zap.Logger) *TLSManager {
	m := &TLSManager{cfg: cfg, production: production, logger: logger}
	if cfg.AutoCert && cfg.EnableTLS {
		m.setupAutoCert()
	}
	return m
}

func (m *TLSManager) setupAutoCert() {
	if err := os.MkdirAll(m.cfg.AutoCertDir, 0o700); err != nil {
		m.logger.Warn("Could not create autocert directory", zap.Error(err))
		return
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.cfg.Domain),
		Cache:      autocert.DirCache(m.cfg.AutoCertDir),
		Email:      m.cfg.Email,
	}

	m.logger.Info("AutoCert configured",
		zap.String("domain", m.cfg.Domain),
		zap.String("cache_dir", m.cfg.AutoCertDir))
}

func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		cert, err := m.autoCert.GetCertificate(hello)
		if err == nil {
			return cert, nil
		}
		m.logger.Warn("AutoCert lookup failed", zap.String("server_name", hello.ServerName), zap.Error(err))
	}

	if m.cfg.CertFile != "" && m.cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.cfg.CertFile, m.cfg.KeyFile)
		if err == nil {
			return &cert, nil
		}
		m.logger.Error("Failed to load configured key pair", zap.Error(err))
	}

	if m.production {
		return nil, ErrNoCertificate
	}
	return m.developmentCert()
}

func (m *TLSManager) developmentCert() (*tls.Certificate, error) {
	m.devOnce.Do(func() {
		dir := m.cfg.AutoCertDir
		if dir == "" {
			dir = os.TempDir()
		}
		cert, err := NewDevCertGenerator(dir, m.logger).GenerateCert([]string{m.cfg.Domain, "localhost", "127.0.0.1", "::1"})
		if err != nil {
			m.devErr = fmt.Errorf("failed to generate development certificate: %w", err)
			return
		}
		m.devCert = &cert
	})
	return m.devCert, m.devErr
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
	cfg := &tls.Config{
		GetCertificate: m.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
	if m.autoCert != nil {
		cfg.NextProtos = append(cfg.NextProtos, "acme-tls/1")
	}
	return cfg
}

func (m *TLSManager) GetAutocertManager() *autocert.Manager {
	return m.autoCert
}
