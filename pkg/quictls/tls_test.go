// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quictls

import (
	"crypto/tls"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestServerConfigPEM(t *testing.T) {
	certFile, keyFile, err := WriteSelfSigned(t.TempDir(), "localhost", "127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}

	conf, err := ServerConfig(certFile, keyFile, []string{"h3", "h3-29"})
	if err != nil {
		t.Fatal(err)
	}

	if len(conf.Certificates) != 1 {
		t.Fatalf("Expected one certificate, got %d", len(conf.Certificates))
	}
	if conf.MinVersion != tls.VersionTLS13 {
		t.Fatalf("Minimum TLS version is %x", conf.MinVersion)
	}
	if strings.Join(conf.NextProtos, ",") != "h3,h3-29" {
		t.Fatalf("Unexpected ALPNs %v", conf.NextProtos)
	}

	if _, err := ServerConfig(certFile, keyFile, nil); err == nil {
		t.Fatal("ServerConfig without ALPN did not fail")
	}
}

func TestLoadCertificatePKCS8(t *testing.T) {
	dir := t.TempDir()
	certPEM, keyPEM, err := GenerateSelfSigned("localhost")
	if err != nil {
		t.Fatal(err)
	}

	block, _ := pem.Decode(keyPEM)
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key"+PKCS8Suffix)
	if err := os.WriteFile(certFile, certPEM, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, block.Bytes, 0600); err != nil {
		t.Fatal(err)
	}

	cert, err := LoadCertificate(certFile, keyFile)
	if err != nil {
		t.Fatal(err)
	}
	if cert.Leaf == nil || cert.Leaf.DNSNames[0] != "localhost" {
		t.Fatalf("Unexpected leaf certificate %v", cert.Leaf)
	}

	// a key of another certificate must be rejected
	_, otherKey, _ := GenerateSelfSigned("localhost")
	otherBlock, _ := pem.Decode(otherKey)
	if err := os.WriteFile(keyFile, otherBlock.Bytes, 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCertificate(certFile, keyFile); err == nil {
		t.Fatal("Mismatching key was accepted")
	}
}

func TestKeyLog(t *testing.T) {
	t.Setenv(KeyLogDirEnv, "")
	if kl := NewKeyLog(func() string { return "x" }); kl != nil || kl.Writer() != nil {
		t.Fatal("KeyLog created without environment variable")
	}

	dir := t.TempDir()
	t.Setenv(KeyLogDirEnv, dir)

	kl := NewKeyLog(func() string { return "0011aabb" })
	if kl == nil {
		t.Fatal("No KeyLog created")
	}

	if _, err := kl.Writer().Write([]byte("CLIENT_RANDOM 00 11\n")); err != nil {
		t.Fatal(err)
	}
	if err := kl.Close(); err != nil {
		t.Fatal(err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*-0011aabb.keys"))
	if err != nil {
		t.Fatal(err)
	} else if len(matches) != 1 {
		t.Fatalf("Expected one key log file, found %v", matches)
	}

	data, _ := os.ReadFile(matches[0])
	if string(data) != "CLIENT_RANDOM 00 11\n" {
		t.Fatalf("Key log contains %q", data)
	}
}
