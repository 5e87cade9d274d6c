package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/devicehive/notifyhub/pkg/version"
)

// ALPNProtocol is the protocol clients request on TLS connections.
var ALPNProtocol = version.ALPNProtocol(mustWireMajor())

func mustWireMajor() uint16 {
	v, err := version.Parse(version.Wire)
	if err != nil {
		panic(err)
	}
	return v.Major
}

// TLSFiles names the PEM files of a TLS endpoint.
type TLSFiles struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`

	// CAFile verifies the peer. On the server it enables optional client
	// certificates; on the client it replaces the system roots.
	CAFile string `mapstructure:"ca_file"`
}

// Enabled reports whether a certificate is configured.
func (f TLSFiles) Enabled() bool {
	return f.CertFile != "" || f.KeyFile != ""
}

// LoadServerTLSConfig builds the server TLS configuration.
func LoadServerTLSConfig(files TLSFiles) (*tls.Config, error) {
	if files.CertFile == "" || files.KeyFile == "" {
		return nil, errors.New("tls: cert_file and key_file are both required")
	}
	cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("tls: load key pair: %w", err)
	}
	conf := NewServerTLSConfig(cert)
	if files.CAFile != "" {
		pool, err := loadCertPool(files.CAFile)
		if err != nil {
			return nil, err
		}
		conf.ClientCAs = pool
		conf.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return conf, nil
}

// NewServerTLSConfig returns the server TLS configuration for cert.
func NewServerTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		NextProtos:   version.SupportedALPNProtocols(),
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
	}
}

// NewClientTLSConfig builds a client TLS configuration. caFile may be empty
// to use the system roots.
func NewClientTLSConfig(caFile, serverName string, insecureSkipVerify bool) (*tls.Config, error) {
	conf := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         serverName,
		NextProtos:         []string{ALPNProtocol},
		InsecureSkipVerify: insecureSkipVerify,
	}
	if caFile != "" {
		pool, err := loadCertPool(caFile)
		if err != nil {
			return nil, err
		}
		conf.RootCAs = pool
	}
	return conf, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tls: read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("tls: no certificates in %s", path)
	}
	return pool, nil
}
