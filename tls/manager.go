package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-portal/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const (
	renewalWindow   = 30 * 24 * time.Hour
	renewalInterval = 12 * time.Hour
)

// CertificateStatus describes one served certificate.
type CertificateStatus struct {
	Domain          string    `json:"domain"`
	Status          string    `json:"status"`
	Issuer          string    `json:"issuer,omitempty"`
	NotAfter        time.Time `json:"not_after"`
	DaysUntilExpiry int       `json:"days_until_expiry"`
	Error           string    `json:"error,omitempty"`
}

// CertManager serves certificates either from static files or from ACME via autocert.
type CertManager struct {
	ctx          context.Context
	cancel       context.CancelFunc
	logger       types.Logger
	config       *types.TLSConfig
	autocertMgr  *autocert.Manager
	static       *tls.Certificate
	mu           sync.RWMutex
	certificates map[string]*tls.Certificate
	state        atomic.Value
	now          types.Clock
}

func NewCertManager(ctx context.Context, logger types.Logger, config *types.TLSConfig) (*CertManager, error) {
	if config == nil {
		return nil, types.ErrTLSConfigInvalid
	}

	managerCtx, cancel := context.WithCancel(ctx)

	cm := &CertManager{
		ctx:          managerCtx,
		cancel:       cancel,
		logger:       logger,
		config:       config,
		certificates: make(map[string]*tls.Certificate),
		now:          time.Now,
	}
	cm.state.Store(StateStopped)

	if config.AutoCert {
		if err := cm.initializeAutocert(); err != nil {
			cancel()
			return nil, types.WrapError(err, "failed to initialize autocert manager")
		}
		return cm, nil
	}

	if config.CertFile == "" || config.KeyFile == "" {
		cancel()
		return nil, types.Errorf(types.ErrTLSConfigInvalid, "cert_file and key_file are required without auto_cert")
	}

	return cm, nil
}

func (cm *CertManager) initializeAutocert() error {
	if len(cm.config.Domains) == 0 {
		return types.Errorf(types.ErrTLSConfigInvalid, "no domains specified for TLS certificate")
	}

	cacheDir := cm.config.CacheDir
	if cacheDir == "" {
		cacheDir = "./certs"
	}

	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return types.WrapError(err, "failed to create certificate cache directory")
	}

	cm.autocertMgr = &autocert.Manager{
		Cache:      autocert.DirCache(cacheDir),
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cm.config.Domains...),
		Email:      cm.config.Email,
	}

	return nil
}

func (cm *CertManager) Start() error {
	if !cm.transitionState(StateStopped, StateStarting) {
		return types.ErrServiceIsRunning
	}

	if cm.autocertMgr == nil {
		cert, err := tls.LoadX509KeyPair(cm.config.CertFile, cm.config.KeyFile)
		if err != nil {
			cm.setState(StateStopped)
			return types.WrapError(err, "failed to load certificate files")
		}

		if err = cm.validateCertificate(cert); err != nil {
			cm.setState(StateStopped)
			return err
		}

		cm.mu.Lock()
		cm.static = &cert
		cm.mu.Unlock()
	} else {
		cm.preloadCertificates()
		go cm.renewalMonitor()
	}

	cm.setState(StateRunning)
	cm.logger.Info("TLS certificate manager started",
		zap.Bool("auto_cert", cm.autocertMgr != nil),
		zap.Strings("domains", cm.config.Domains))

	return nil
}

func (cm *CertManager) Stop() error {
	if !cm.transitionState(StateRunning, StateStopping) {
		return types.ErrServiceIsNotRunning
	}

	cm.cancel()
	cm.setState(StateStopped)
	cm.logger.Info("TLS certificate manager stopped")

	return nil
}

func (cm *CertManager) IsRunning() bool {
	return cm.getState() == StateRunning
}

func (cm *CertManager) getState() State {
	return cm.state.Load().(State)
}

func (cm *CertManager) setState(newState State) {
	cm.state.Store(newState)
}

func (cm *CertManager) transitionState(from, to State) bool {
	return cm.state.CompareAndSwap(from, to)
}

// Listen opens a TLS listener on addr using the managed certificates.
func (cm *CertManager) Listen(addr string) (net.Listener, error) {
	if !cm.IsRunning() {
		return nil, types.ErrServiceIsNotRunning
	}

	return tls.Listen("tcp", addr, cm.TLSConfig())
}

func (cm *CertManager) TLSConfig() *tls.Config {
	config := &tls.Config{
		MinVersion: tls.VersionTLS12,
		NextProtos: []string{"http/1.1"},
	}

	if cm.autocertMgr != nil {
		config.GetCertificate = cm.getCertificate
		config.NextProtos = append(config.NextProtos, "acme-tls/1")
		return config
	}

	cm.mu.RLock()
	if cm.static != nil {
		config.Certificates = []tls.Certificate{*cm.static}
	}
	cm.mu.RUnlock()

	return config
}

func (cm *CertManager) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert, err := cm.autocertMgr.GetCertificate(hello)
	if err != nil {
		cm.logger.Error("Failed to get certificate",
			zap.String("server_name", hello.ServerName),
			zap.Error(err))
		return nil, err
	}

	if hello.ServerName != "" {
		cm.mu.Lock()
		cm.certificates[hello.ServerName] = cert
		cm.mu.Unlock()
	}

	return cert, nil
}

func (cm *CertManager) validateCertificate(cert tls.Certificate) error {
	if len(cert.Certificate) == 0 {
		return types.Errorf(types.ErrTLSConfigInvalid, "certificate chain is empty")
	}

	x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return types.Errorf(types.ErrTLSConfigInvalid, "failed to parse certificate: %v", err)
	}

	now := cm.now()
	if now.Before(x509Cert.NotBefore) {
		return types.Errorf(types.ErrTLSConfigInvalid, "certificate not yet valid")
	}
	if now.After(x509Cert.NotAfter) {
		return types.Errorf(types.ErrTLSConfigInvalid, "certificate expired")
	}

	return nil
}

func (cm *CertManager) preloadCertificates() {
	ctx, cancel := context.WithTimeout(cm.ctx, time.Minute)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	for _, domain := range cm.config.Domains {
		g.Go(func() error {
			if gCtx.Err() != nil {
				return gCtx.Err()
			}

			if _, err := cm.getCertificate(&tls.ClientHelloInfo{ServerName: domain}); err != nil {
				cm.logger.Warn("Failed to preload certificate", zap.String("domain", domain), zap.Error(err))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		cm.logger.Warn("Certificate preloading interrupted", zap.Error(err))
	}
}

func (cm *CertManager) renewalMonitor() {
	ticker := time.NewTicker(renewalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for domain, status := range cm.Status() {
				if status.Status == "valid" {
					continue
				}

				cm.logger.Info("Certificate renewal required", zap.String("domain", domain), zap.Time("expires_at", status.NotAfter))
				if _, err := cm.getCertificate(&tls.ClientHelloInfo{ServerName: domain}); err != nil {
					cm.logger.Error("Failed to renew certificate", zap.String("domain", domain), zap.Error(err))
				}
			}
		case <-cm.ctx.Done():
			return
		}
	}
}

// Status reports every certificate the manager currently holds, keyed by domain.
func (cm *CertManager) Status() map[string]CertificateStatus {
	cm.mu.RLock()
	certs := make(map[string]*tls.Certificate, len(cm.certificates)+1)
	for domain, cert := range cm.certificates {
		certs[domain] = cert
	}
	if cm.static != nil {
		certs["static"] = cm.static
	}
	cm.mu.RUnlock()

	status := make(map[string]CertificateStatus, len(certs))
	for domain, cert := range certs {
		status[domain] = cm.describe(domain, cert)
	}

	return status
}

func (cm *CertManager) describe(domain string, cert *tls.Certificate) CertificateStatus {
	if len(cert.Certificate) == 0 {
		return CertificateStatus{Domain: domain, Status: "error", Error: "no certificate data"}
	}

	x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return CertificateStatus{Domain: domain, Status: "error", Error: err.Error()}
	}

	remaining := x509Cert.NotAfter.Sub(cm.now())

	status := "valid"
	switch {
	case remaining <= 0:
		status = "expired"
	case remaining <= renewalWindow:
		status = "expiring_soon"
	}

	return CertificateStatus{
		Domain:          domain,
		Status:          status,
		Issuer:          x509Cert.Issuer.String(),
		NotAfter:        x509Cert.NotAfter,
		DaysUntilExpiry: int(remaining.Hours() / 24),
	}
}

// Checker reports degraded when any certificate is close to expiry and unhealthy once one has expired.
func (cm *CertManager) Checker() types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		check := types.HealthCheck{
			Name:    "tls",
			Status:  types.StatusHealthy,
			Details: map[string]interface{}{},
		}

		for domain, status := range cm.Status() {
			check.Details[domain] = status.Status
			switch status.Status {
			case "expired", "error":
				check.Status = types.StatusUnhealthy
				check.Message = "certificate invalid for " + domain
			case "expiring_soon":
				if check.Status == types.StatusHealthy {
					check.Status = types.StatusDegraded
					check.Message = "certificate expiring soon for " + domain
				}
			}
		}

		return check
	}
}
