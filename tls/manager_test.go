package tls

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-portal/logger"
	"github.com/saiset-co/sai-portal/types"
)

func writeCertificate(t *testing.T, notBefore, notAfter time.Time) (string, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "portal.test"},
		DNSNames:     []string{"portal.test"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")

	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600))

	return certFile, keyFile
}

func TestCertManager_StaticCertificate(t *testing.T) {
	now := time.Now()
	certFile, keyFile := writeCertificate(t, now.Add(-time.Hour), now.Add(90*24*time.Hour))

	cm, err := NewCertManager(context.Background(), logger.NewNop(), &types.TLSConfig{
		Enabled:  true,
		CertFile: certFile,
		KeyFile:  keyFile,
	})
	require.NoError(t, err)
	require.NoError(t, cm.Start())
	t.Cleanup(func() { _ = cm.Stop() })

	assert.ErrorIs(t, cm.Start(), types.ErrServiceIsRunning)

	status := cm.Status()
	require.Contains(t, status, "static")
	assert.Equal(t, "valid", status["static"].Status)

	check := cm.Checker()(context.Background())
	assert.Equal(t, types.StatusHealthy, check.Status)

	ln, err := cm.Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_ = conn.(*tls.Conn).Handshake()
		_ = conn.Close()
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{InsecureSkipVerify: true, ServerName: "portal.test"})
	require.NoError(t, err)
	assert.Equal(t, "portal.test", conn.ConnectionState().PeerCertificates[0].Subject.CommonName)
	_ = conn.Close()
}

func TestCertManager_ExpiringCertificateDegrades(t *testing.T) {
	now := time.Now()
	certFile, keyFile := writeCertificate(t, now.Add(-time.Hour), now.Add(10*24*time.Hour))

	cm, err := NewCertManager(context.Background(), logger.NewNop(), &types.TLSConfig{CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)
	require.NoError(t, cm.Start())
	t.Cleanup(func() { _ = cm.Stop() })

	assert.Equal(t, "expiring_soon", cm.Status()["static"].Status)
	assert.Equal(t, types.StatusDegraded, cm.Checker()(context.Background()).Status)
}

func TestCertManager_RejectsExpiredCertificate(t *testing.T) {
	now := time.Now()
	certFile, keyFile := writeCertificate(t, now.Add(-48*time.Hour), now.Add(-time.Hour))

	cm, err := NewCertManager(context.Background(), logger.NewNop(), &types.TLSConfig{CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)

	assert.ErrorIs(t, cm.Start(), types.ErrTLSConfigInvalid)
	assert.False(t, cm.IsRunning())

	_, err = cm.Listen("127.0.0.1:0")
	assert.ErrorIs(t, err, types.ErrServiceIsNotRunning)
}

func TestNewCertManager_Validation(t *testing.T) {
	_, err := NewCertManager(context.Background(), logger.NewNop(), nil)
	assert.ErrorIs(t, err, types.ErrTLSConfigInvalid)

	_, err = NewCertManager(context.Background(), logger.NewNop(), &types.TLSConfig{Enabled: true})
	assert.ErrorIs(t, err, types.ErrTLSConfigInvalid)

	_, err = NewCertManager(context.Background(), logger.NewNop(), &types.TLSConfig{AutoCert: true})
	assert.ErrorIs(t, err, types.ErrTLSConfigInvalid)

	cm, err := NewCertManager(context.Background(), logger.NewNop(), &types.TLSConfig{
		AutoCert: true,
		Domains:  []string{"portal.example.com"},
		CacheDir: t.TempDir(),
	})
	require.NoError(t, err)
	assert.NotNil(t, cm.TLSConfig().GetCertificate)
}
