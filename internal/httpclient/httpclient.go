// Copyright (C) 2019 Nicola Murino
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// Package httpclient builds the HTTP clients used by the HTTP proxy.
// It supports extra trusted CA certificates and per-credential mutual TLS
package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/passman/passman/internal/logger"
	"github.com/passman/passman/internal/util"
)

const logSender = "httpclient"

// Config defines the configuration for HTTP clients
type Config struct {
	// CACertificates defines extra CA certificates to trust.
	// The paths can be absolute or relative to the config dir.
	// Adding trusted CA certificates is a convenient way to use self-signed
	// certificates without defeating the purpose of using TLS
	CACertificates []string `json:"ca_certificates" mapstructure:"ca_certificates"`
	// if enabled the HTTP client accepts any TLS certificate presented by
	// the server and any host name in that certificate.
	// In this mode, TLS is susceptible to man-in-the-middle attacks.
	// This should be used only for testing.
	SkipTLSVerify bool `json:"skip_tls_verify" mapstructure:"skip_tls_verify"`

	customTransport *http.Transport
}

var httpConfig Config

// Initialize configures HTTP clients
func (c *Config) Initialize(configDir string) error {
	rootCAs, err := c.loadCACerts(configDir)
	if err != nil {
		return err
	}
	customTransport := http.DefaultTransport.(*http.Transport).Clone()
	if customTransport.TLSClientConfig != nil {
		customTransport.TLSClientConfig.RootCAs = rootCAs
	} else {
		customTransport.TLSClientConfig = &tls.Config{
			RootCAs:    rootCAs,
			NextProtos: []string{"h2", "http/1.1"},
		}
	}
	customTransport.TLSClientConfig.InsecureSkipVerify = c.SkipTLSVerify
	c.customTransport = customTransport
	httpConfig = *c
	return nil
}

// loadCACerts returns system cert pools and try to add the configured
// CA certificates to it
func (c *Config) loadCACerts(configDir string) (*x509.CertPool, error) {
	if len(c.CACertificates) == 0 {
		return nil, nil
	}
	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	for _, ca := range c.CACertificates {
		if !util.IsFileInputValid(ca) {
			return nil, fmt.Errorf("unable to load invalid CA certificate: %q", ca)
		}
		if !filepath.IsAbs(ca) {
			ca = filepath.Join(configDir, ca)
		}
		certs, err := os.ReadFile(ca)
		if err != nil {
			return nil, fmt.Errorf("unable to load CA certificate: %w", err)
		}
		if rootCAs.AppendCertsFromPEM(certs) {
			logger.Debug(logSender, "", "CA certificate %q added to the trusted certificates", ca)
		} else {
			return nil, fmt.Errorf("unable to add CA certificate %q to the trusted certificates", ca)
		}
	}
	return rootCAs, nil
}

// GetHTTPClient returns an HTTP client with the configured transport and
// the given timeout
func GetHTTPClient(timeout time.Duration) *http.Client {
	if httpConfig.customTransport != nil {
		return &http.Client{
			Timeout:   timeout,
			Transport: httpConfig.customTransport,
		}
	}
	return &http.Client{
		Timeout: timeout,
	}
}

// GetMTLSHTTPClient returns an HTTP client performing mutual TLS with the
// given PEM encoded certificate and key. If caPEM is not empty it is the
// trust root for the peer
func GetMTLSHTTPClient(certPEM, keyPEM, caPEM []byte, timeout time.Duration) (*http.Client, error) {
	clientCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("invalid client certificate or key: %w", err)
	}
	var transport *http.Transport
	if httpConfig.customTransport != nil {
		transport = httpConfig.customTransport.Clone()
	} else {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	if transport.TLSClientConfig == nil {
		transport.TLSClientConfig = &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		}
	}
	transport.TLSClientConfig.Certificates = []tls.Certificate{clientCert}
	if len(caPEM) > 0 {
		rootCAs := x509.NewCertPool()
		if !rootCAs.AppendCertsFromPEM(caPEM) {
			return nil, errors.New("unable to parse CA certificate")
		}
		transport.TLSClientConfig.RootCAs = rootCAs
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}, nil
}
