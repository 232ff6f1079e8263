// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dtn7/quiclib-go/pkg/statsrest"
	"github.com/dtn7/quiclib-go/pkg/transport"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	filename := filepath.Join(t.TempDir(), "quiccat.toml")
	if err := os.WriteFile(filename, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return filename
}

func TestTransportOptions(t *testing.T) {
	valid := transportConf{
		IdleTimeout:    "30s",
		KeepAlive:      "5s",
		Datagrams:      true,
		MaxStreamsBidi: 10,
		MaxStreamData:  1 << 20,
	}
	opts, err := valid.options()
	if err != nil {
		t.Fatal(err)
	}

	cfg := transport.NewConfig(opts...)
	if !cfg.EnableDatagrams || cfg.Params.InitialMaxStreamsBidi != 10 || cfg.Params.InitialMaxStreamDataBidiRemote != 1<<20 {
		t.Fatalf("Options were not applied: %+v", cfg)
	}

	for _, invalid := range []transportConf{{IdleTimeout: "soon"}, {KeepAlive: "10"}} {
		if _, err := invalid.options(); err == nil {
			t.Fatalf("%+v was accepted", invalid)
		}
	}
}

func TestParseConfig(t *testing.T) {
	filename := writeConfig(t, `
[logging]
level = "warn"
format = "json"

[transport]
datagrams = true

[[listen]]
location = "quic://127.0.0.1:0"
alpn = ["quiccat"]
self-signed = true

[stats]
listen = "127.0.0.1:0"
`)

	q, err := parseConfig(filename, strings.NewReader(""), new(strings.Builder))
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	if q.Done() != nil {
		t.Fatal("Configuration without connect block has an input client")
	}

	resp, err := http.Get("http://" + q.statsAddr.String() + "/stats/endpoints")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var infos []statsrest.EndpointInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].Mode != "server" {
		t.Fatalf("Unexpected endpoints %+v", infos)
	}

	dirs := q.tempDirs
	if err := q.Close(); err != nil {
		t.Fatal(err)
	}
	for _, dir := range dirs {
		if _, err := os.Stat(dir); !os.IsNotExist(err) {
			t.Fatalf("Temporary directory %s was not removed", dir)
		}
	}
}

func TestParseConfigInvalid(t *testing.T) {
	tests := map[string]string{
		"syntax":      `[[listen]`,
		"location":    "[[listen]]\nlocation = \"0.0.0.0:4433\"\nalpn = [\"x\"]\nself-signed = true\n",
		"certificate": "[[listen]]\nlocation = \"quic://127.0.0.1:0\"\nalpn = [\"x\"]\n",
		"duration":    "[transport]\nidle-timeout = \"later\"\n",
		"stats":       "[stats]\nlisten = \"127.0.0.1:0\"\ninterval = \"often\"\n",
	}

	for name, content := range tests {
		if _, err := parseConfig(writeConfig(t, content), nil, nil); err == nil {
			t.Fatalf("%s: invalid configuration was accepted", name)
		}
	}

	if _, err := parseConfig(filepath.Join(t.TempDir(), "missing.toml"), nil, nil); err == nil {
		t.Fatal("Missing configuration was accepted")
	}
}
