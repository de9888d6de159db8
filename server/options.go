package server

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"github.com/luma/hermes/storage"
)

const DefaultStoreTimeout = 3 * time.Second

type Options struct {
	Store storage.Store

	// Hash digests a password before it is stored or compared. Defaults to
	// hex encoded SHA-256.
	Hash func(password string) string

	// StoreTimeout bounds every Store call made while handling one request
	StoreTimeout time.Duration

	// MaxQueued is how many values may wait for a slow reader before its
	// connection is dropped. Defaults to DefaultMaxQueued.
	MaxQueued int

	Log *zap.Logger
}

func SHA256Hex(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}
