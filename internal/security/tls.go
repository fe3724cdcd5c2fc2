// =============================================================================
// TLS FOR THE ADMIN LISTENERS
// =============================================================================
//
// The HTTP admin API and the gRPC health service can both be served over TLS.
// One TLSConfig is built once at startup and shared by both listeners:
//
//   store:
//     ...
//   server:
//     http_addr: ":8443"
//     grpc_addr: ":9443"
//     tls:
//       enabled: true
//       cert_file: /etc/delaystore/tls.crt
//       key_file:  /etc/delaystore/tls.key
//       ca_file:   /etc/delaystore/ca.crt     # optional, enables client certs
//       client_auth: require-verify
//
// For local testing self_signed: true generates an in-memory ECDSA P-256
// certificate for localhost.
//
// =============================================================================

package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"strings"
	"time"
)

// ErrNoCertificate means TLS was enabled without a certificate source.
var ErrNoCertificate = errors.New("TLS enabled but no certificate provided")

// TLSConfig describes the admin listeners' TLS settings.
type TLSConfig struct {
	Enabled bool `yaml:"enabled"`

	// CertFile and KeyFile are PEM files.
	CertFile string `yaml:"cert_file,omitempty"`
	KeyFile  string `yaml:"key_file,omitempty"`

	// CAFile verifies client certificates when ClientAuth asks for them.
	CAFile string `yaml:"ca_file,omitempty"`

	// ClientAuth is one of none, request, require, verify, require-verify.
	ClientAuth string `yaml:"client_auth,omitempty"`

	// MinVersion is "1.2" or "1.3". Anything lower is raised to 1.2.
	MinVersion string `yaml:"min_version,omitempty"`

	// SelfSigned generates a throwaway certificate when no files are given.
	SelfSigned bool `yaml:"self_signed,omitempty"`
}

// DefaultTLSConfig returns TLS disabled with a 1.2 floor.
func DefaultTLSConfig() TLSConfig {
	return TLSConfig{
		ClientAuth: "none",
		MinVersion: "1.2",
	}
}

// Validate reports configuration problems without touching the filesystem.
func (c TLSConfig) Validate() []string {
	if !c.Enabled {
		return nil
	}
	var errs []string
	if (c.CertFile == "") != (c.KeyFile == "") {
		errs = append(errs, "server.tls: cert_file and key_file must be set together")
	}
	if c.CertFile == "" && !c.SelfSigned {
		errs = append(errs, "server.tls: cert_file/key_file or self_signed is required")
	}
	if _, err := parseClientAuth(c.ClientAuth); err != nil {
		errs = append(errs, "server.tls.client_auth: "+err.Error())
	}
	if _, err := parseMinVersion(c.MinVersion); err != nil {
		errs = append(errs, "server.tls.min_version: "+err.Error())
	}
	auth, _ := parseClientAuth(c.ClientAuth)
	if auth == tls.RequireAndVerifyClientCert && c.CAFile == "" {
		errs = append(errs, "server.tls: client_auth require-verify needs ca_file")
	}
	return errs
}

// NewTLSConfig builds the *tls.Config shared by both listeners. It returns
// nil, nil when TLS is disabled.
func (c TLSConfig) NewTLSConfig(logger *slog.Logger) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientAuth, err := parseClientAuth(c.ClientAuth)
	if err != nil {
		return nil, err
	}
	minVersion, err := parseMinVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}

	var cert tls.Certificate
	switch {
	case c.CertFile != "" && c.KeyFile != "":
		cert, err = tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}
		logger.Info("loaded TLS certificate", "cert", c.CertFile)
	case c.SelfSigned:
		cert, err = GenerateSelfSigned("localhost")
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed cert: %w", err)
		}
		logger.Warn("using self-signed certificate - NOT FOR PRODUCTION")
	default:
		return nil, ErrNoCertificate
	}

	cfg := &tls.Config{
		MinVersion:   minVersion,
		ClientAuth:   clientAuth,
		Certificates: []tls.Certificate{cert},
	}

	if c.CAFile != "" {
		caCert, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA cert %s", c.CAFile)
		}
		cfg.ClientCAs = pool
		logger.Info("loaded CA certificate for client verification", "ca", c.CAFile)
	}
	return cfg, nil
}

// GenerateSelfSigned creates an ECDSA P-256 certificate valid for one year
// for the given host names plus the loopback addresses.
func GenerateSelfSigned(hosts ...string) (tls.Certificate, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate private key: %w", err)
	}
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"delaystore development"},
			CommonName:   "delaystore",
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              hosts,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to marshal private key: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return tls.X509KeyPair(certPEM, keyPEM)
}

func parseClientAuth(s string) (tls.ClientAuthType, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return tls.NoClientCert, nil
	case "request":
		return tls.RequestClientCert, nil
	case "require":
		return tls.RequireAnyClientCert, nil
	case "verify":
		return tls.VerifyClientCertIfGiven, nil
	case "require-verify":
		return tls.RequireAndVerifyClientCert, nil
	}
	return 0, fmt.Errorf("unknown client auth %q (none, request, require, verify, require-verify)", s)
}

// parseMinVersion floors every setting at TLS 1.2.
func parseMinVersion(s string) (uint16, error) {
	switch s {
	case "", "1.0", "1.1", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("unknown TLS version %q (1.2, 1.3)", s)
}
