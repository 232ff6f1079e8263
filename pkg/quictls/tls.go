// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package quictls builds the TLS 1.3 configurations used by QUIC endpoints.
package quictls

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// PKCS8Suffix marks private key files holding a DER encoded PKCS #8 key.
const PKCS8Suffix = ".pkcs8"

// LoadCertificate reads a PEM certificate chain and its private key. The key
// is expected to be PEM encoded, unless the file name ends in PKCS8Suffix.
func LoadCertificate(certFile, keyFile string) (tls.Certificate, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("reading certificate: %w", err)
	}

	if !strings.HasSuffix(keyFile, PKCS8Suffix) {
		keyPEM, err := os.ReadFile(keyFile)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("reading private key: %w", err)
		}
		return tls.X509KeyPair(certPEM, keyPEM)
	}

	keyDER, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("reading private key: %w", err)
	}
	key, err := x509.ParsePKCS8PrivateKey(keyDER)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parsing PKCS #8 private key: %w", err)
	}

	var cert tls.Certificate
	for block, rest := pem.Decode(certPEM); block != nil; block, rest = pem.Decode(rest) {
		if block.Type == "CERTIFICATE" {
			cert.Certificate = append(cert.Certificate, block.Bytes)
		}
	}
	if len(cert.Certificate) == 0 {
		return tls.Certificate{}, errors.New("no certificate found in PEM data")
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parsing certificate: %w", err)
	}
	if pub, ok := key.(interface{ Public() crypto.PublicKey }); !ok {
		return tls.Certificate{}, errors.New("private key does not expose a public key")
	} else if eq, ok := pub.Public().(interface{ Equal(crypto.PublicKey) bool }); !ok || !eq.Equal(leaf.PublicKey) {
		return tls.Certificate{}, errors.New("private key does not match certificate")
	}

	cert.PrivateKey = key
	cert.Leaf = leaf
	return cert, nil
}

// ServerConfig creates the TLS configuration for a listening endpoint.
func ServerConfig(certFile, keyFile string, alpns []string) (*tls.Config, error) {
	if len(alpns) == 0 {
		return nil, errors.New("at least one ALPN is required")
	}

	cert, err := LoadCertificate(certFile, keyFile)
	if err != nil {
		return nil, err
	}

	conf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   append([]string(nil), alpns...),
		MinVersion:   tls.VersionTLS13,
	}

	log.WithFields(log.Fields{
		"certificate": certFile,
		"key":         keyFile,
		"alpns":       alpns,
	}).Debug("Created TLS server configuration")

	return conf, nil
}

// ClientConfig creates the TLS configuration for a connecting endpoint.
func ClientConfig(alpn, sni string, insecureSkipVerify bool) *tls.Config {
	return &tls.Config{
		ServerName:         sni,
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: insecureSkipVerify,
	}
}
