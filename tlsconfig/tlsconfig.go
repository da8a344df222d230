// Package tlsconfig provides convenience functions for building tls.Config
// instances for the QUIC listener and the test helpers around it.
package tlsconfig

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"time"

	"github.com/pkg/errors"
)

// NextProtoSTQ is the ALPN token spoken on the QUIC listener. Request streams
// carry one HTTP exchange each.
const NextProtoSTQ = "stq/1"

// CreateServerConfig builds the TLS config for the QUIC listener from cert and
// key files on disk. The returned config serves the certificate through a
// reloader so the files can be swapped without a restart.
func CreateServerConfig(certPath, keyPath string) (*tls.Config, *CertReloader, error) {
	if certPath == "" || keyPath == "" {
		return nil, nil, errors.New("certfile and keyfile are required")
	}
	reloader, err := NewCertReloader(certPath, keyPath)
	if err != nil {
		return nil, nil, err
	}
	return &tls.Config{
		GetCertificate: reloader.Cert,
		MinVersion:     tls.VersionTLS13,
		NextProtos:     []string{NextProtoSTQ},
	}, reloader, nil
}

// GenerateTestTLSConfig sets up a self-signed certificate for test servers.
func GenerateTestTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{NextProtoSTQ},
	}, nil
}
