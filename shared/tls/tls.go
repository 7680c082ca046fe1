// Package tls loads the transport credentials the control-plane listener
// serves under when GRPC_TLS_ENABLED is set.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"google.golang.org/grpc/credentials"
)

// Config names the certificate material on disk.
type Config struct {
	CertFile   string // server certificate
	KeyFile    string // server key
	CAFile     string // CA bundle for verifying client certificates
	ClientAuth bool   // require and verify client certificates
}

// LoadServerCredentials builds gRPC server credentials: TLS 1.2 minimum,
// with mutual TLS when ClientAuth is set and a CA file is given.
func LoadServerCredentials(config Config) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if config.ClientAuth && config.CAFile != "" {
		caCert, err := os.ReadFile(config.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("parse CA certificate %s", config.CAFile)
		}
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		tlsConfig.ClientCAs = certPool
	}

	return credentials.NewTLS(tlsConfig), nil
}
