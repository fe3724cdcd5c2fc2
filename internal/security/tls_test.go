package security

import (
	"crypto/tls"
	"net"
	"strings"
	"testing"
)

func TestTLSConfig_DisabledReturnsNil(t *testing.T) {
	cfg, err := DefaultTLSConfig().NewTLSConfig(nil)
	if err != nil || cfg != nil {
		t.Fatalf("NewTLSConfig = %v, %v; want nil, nil", cfg, err)
	}
}

func TestTLSConfig_SelfSignedHandshake(t *testing.T) {
	// WHAT: A self-signed server config completes a handshake with a client
	// that trusts nothing but skips verification.
	// WHY: serve uses this config for both admin listeners.
	c := DefaultTLSConfig()
	c.Enabled = true
	c.SelfSigned = true
	c.MinVersion = "1.3"

	serverCfg, err := c.NewTLSConfig(nil)
	if err != nil {
		t.Fatalf("NewTLSConfig failed: %v", err)
	}
	if serverCfg.MinVersion != tls.VersionTLS13 || len(serverCfg.Certificates) != 1 {
		t.Fatalf("server config = %+v", serverCfg)
	}

	lis, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer lis.Close()

	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		conn.(*tls.Conn).Handshake()
		conn.Close()
	}()

	conn, err := tls.Dial("tcp", lis.Addr().String(), &tls.Config{InsecureSkipVerify: true}) //nolint:gosec // test
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()
	if conn.ConnectionState().Version != tls.VersionTLS13 {
		t.Errorf("negotiated version = %x", conn.ConnectionState().Version)
	}
	leaf := conn.ConnectionState().PeerCertificates[0]
	if err := leaf.VerifyHostname("localhost"); err != nil {
		t.Errorf("certificate not valid for localhost: %v", err)
	}
	if !leaf.IPAddresses[0].Equal(net.ParseIP("127.0.0.1")) {
		t.Errorf("IP SANs = %v", leaf.IPAddresses)
	}
}

func TestTLSConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TLSConfig)
		want   string
	}{
		{"disabled is always valid", func(c *TLSConfig) { c.ClientAuth = "bogus" }, ""},
		{"no certificate", func(c *TLSConfig) { c.Enabled = true }, "self_signed is required"},
		{"cert without key", func(c *TLSConfig) { c.Enabled = true; c.CertFile = "a.crt" }, "set together"},
		{"bad client auth", func(c *TLSConfig) { c.Enabled = true; c.SelfSigned = true; c.ClientAuth = "maybe" }, "client_auth"},
		{"bad version", func(c *TLSConfig) { c.Enabled = true; c.SelfSigned = true; c.MinVersion = "2.0" }, "min_version"},
		{"verify needs ca", func(c *TLSConfig) { c.Enabled = true; c.SelfSigned = true; c.ClientAuth = "require-verify" }, "ca_file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultTLSConfig()
			tt.mutate(&c)
			errs := c.Validate()
			if tt.want == "" {
				if len(errs) != 0 {
					t.Errorf("unexpected errors: %v", errs)
				}
				return
			}
			if !strings.Contains(strings.Join(errs, "\n"), tt.want) {
				t.Errorf("errors %v do not mention %q", errs, tt.want)
			}
		})
	}
}

func TestParseMinVersion_FloorsAtTLS12(t *testing.T) {
	for _, in := range []string{"", "1.0", "1.1", "1.2"} {
		if v, err := parseMinVersion(in); err != nil || v != tls.VersionTLS12 {
			t.Errorf("parseMinVersion(%q) = %x, %v", in, v, err)
		}
	}
}
