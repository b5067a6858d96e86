package config

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
)

// FrontendTLS builds the acceptor-side TLS configuration from
// tls_certificate / tls_private_key. Returns nil when TLS is not
// configured; clients asking for SSL then get 'N'.
func (g *General) FrontendTLS() (*tls.Config, error) {
	if g.TlsCertificate == "" || g.TlsPrivateKey == "" {
		if g.TlsCertificate != "" || g.TlsPrivateKey != "" {
			return nil, fmt.Errorf(`both "tls_certificate" and "tls_private_key" are required`)
		}
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(g.TlsCertificate, g.TlsPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("unable to load X509 key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func addrJoin(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
