// SPDX-FileCopyrightText: 2024 The dtn7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quictls

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// KeyLogDirEnv names the environment variable pointing to a directory for
// TLS key log files in the NSS key log format, e.g., for Wireshark.
const KeyLogDirEnv = "GST_QUICLIB_TLS_EXPORT_DIR"

// KeyLog is a lazily created key log file. Its name is
// "<YYYYMMDD-HHMMSS>-<id>.keys", where the id is resolved on the first write,
// since a connection's ID might not be known when its TLS config is built.
type KeyLog struct {
	dir     string
	created time.Time
	id      func() string

	mutex sync.Mutex
	file  *os.File
	err   error
}

// NewKeyLog returns a KeyLog if KeyLogDirEnv is set, nil otherwise.
func NewKeyLog(id func() string) *KeyLog {
	dir := os.Getenv(KeyLogDirEnv)
	if dir == "" {
		return nil
	}

	return &KeyLog{
		dir:     dir,
		created: time.Now(),
		id:      id,
	}
}

// Writer returns the KeyLog as an io.Writer for tls.Config.KeyLogWriter. A
// nil KeyLog results in a nil Writer, so no key material is logged.
func (kl *KeyLog) Writer() io.Writer {
	if kl == nil {
		return nil
	}
	return kl
}

// Path of the key log file.
func (kl *KeyLog) Path() string {
	return filepath.Join(kl.dir, fmt.Sprintf("%s-%s.keys", kl.created.Format("20060102-150405"), kl.id()))
}

func (kl *KeyLog) Write(p []byte) (int, error) {
	kl.mutex.Lock()
	defer kl.mutex.Unlock()

	if kl.file == nil && kl.err == nil {
		path := kl.Path()
		kl.file, kl.err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
		if kl.err != nil {
			log.WithFields(log.Fields{
				"file":  path,
				"error": kl.err,
			}).Warn("Failed to create TLS key log file")
		} else {
			log.WithField("file", path).Info("Exporting TLS keys")
		}
	}
	if kl.err != nil {
		return 0, kl.err
	}
	return kl.file.Write(p)
}

// Close the underlying file, if any.
func (kl *KeyLog) Close() error {
	if kl == nil {
		return nil
	}

	kl.mutex.Lock()
	defer kl.mutex.Unlock()

	if kl.file == nil {
		return nil
	}
	err := kl.file.Close()
	kl.file = nil
	return err
}
