// Package keystore holds the radio's exported identity for the lifetime of
// the process. Nothing here ever touches disk.
package keystore

import (
	"fmt"
	"sync"

	"meshcored/internal/decoder"
)

type Keystore struct {
	mu      sync.RWMutex
	private []byte // 64 bytes, radio format
	public  []byte // 32 bytes, derived
}

func New() *Keystore {
	return &Keystore{}
}

// Set validates and stores a 64-byte private key, deriving the public key
// from its scalar half.
func (k *Keystore) Set(private []byte) error {
	if len(private) != decoder.PrivateKeySize {
		return fmt.Errorf("private key must be %d bytes, got %d", decoder.PrivateKeySize, len(private))
	}
	public, err := decoder.PublicKeyFromPrivate(private)
	if err != nil {
		return fmt.Errorf("derive public key: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.private = append([]byte{}, private...)
	k.public = public
	return nil
}

func (k *Keystore) Private() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.private == nil {
		return nil
	}
	return append([]byte{}, k.private...)
}

func (k *Keystore) Public() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.public == nil {
		return nil
	}
	return append([]byte{}, k.public...)
}

func (k *Keystore) Has() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.private != nil
}

// Clear wipes both blobs, e.g. when the radio reconnects with a different
// identity.
func (k *Keystore) Clear() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i := range k.private {
		k.private[i] = 0
	}
	k.private = nil
	k.public = nil
}
