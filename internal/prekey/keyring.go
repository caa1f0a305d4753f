package prekey

import (
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/EternisAI/silo-dispatch/internal/fsutil"
	"github.com/EternisAI/silo-dispatch/internal/identity"
)

const (
	pemBlockType = "SILO DISPATCH PREKEY"

	currentFile  = "prekey.pem"
	previousFile = "prekey.prev.pem"
)

// Keyring is the agent's prekey storage: the active prekey plus the one it
// replaced, kept so jobs sealed just before a rotation still open.
type Keyring struct {
	dir      string
	identity *identity.Identity

	mu       sync.RWMutex
	current  *Prekey
	previous *Prekey
}

// LoadKeyring loads the prekeys stored in dir, issuing and persisting a new
// active prekey when none exists or the stored one was not signed by id.
func LoadKeyring(dir string, id *identity.Identity) (*Keyring, error) {
	kr := &Keyring{dir: dir, identity: id}

	current, err := load(filepath.Join(dir, currentFile))
	switch {
	case err == nil && Verify(id.PublicKey(), current.public[:], current.signature):
		kr.current = current
	case err == nil:
		slog.Warn("Stored prekey is not signed by this identity, issuing a new one")
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, err
	}

	previous, err := load(filepath.Join(dir, previousFile))
	if err == nil && Verify(id.PublicKey(), previous.public[:], previous.signature) {
		kr.previous = previous
	}

	if kr.current == nil {
		pk, err := Issue(id)
		if err != nil {
			return nil, err
		}
		if err := save(filepath.Join(dir, currentFile), pk); err != nil {
			return nil, err
		}
		kr.current = pk
		slog.Info("Issued new prekey")
	}

	return kr, nil
}

func (kr *Keyring) Current() *Prekey {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.current
}

// Openers returns the prekeys worth trying for a received job, newest first.
func (kr *Keyring) Openers() []*Prekey {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	if kr.previous == nil {
		return []*Prekey{kr.current}
	}
	return []*Prekey{kr.current, kr.previous}
}

// Rotate issues a new active prekey and demotes the current one. The new
// key is persisted before it is returned for publication.
func (kr *Keyring) Rotate() (*Prekey, error) {
	next, err := Issue(kr.identity)
	if err != nil {
		return nil, err
	}

	kr.mu.Lock()
	defer kr.mu.Unlock()

	if err := save(filepath.Join(kr.dir, previousFile), kr.current); err != nil {
		return nil, err
	}
	if err := save(filepath.Join(kr.dir, currentFile), next); err != nil {
		return nil, err
	}

	kr.previous = kr.current
	kr.current = next
	return next, nil
}

func save(path string, pk *Prekey) error {
	buf := make([]byte, 0, len(pk.private)+len(pk.signature))
	buf = append(buf, pk.private[:]...)
	buf = append(buf, pk.signature...)

	data := pem.EncodeToMemory(&pem.Block{Type: pemBlockType, Bytes: buf})
	if err := fsutil.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("%w: %w", identity.ErrIO, err)
	}
	return nil
}

func load(path string) (*Prekey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", identity.ErrIO, path, err)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemBlockType {
		return nil, fmt.Errorf("%w: %s is not a prekey", identity.ErrCorruptKey, path)
	}
	if len(block.Bytes) <= 32 {
		return nil, fmt.Errorf("%w: %s is truncated", identity.ErrCorruptKey, path)
	}

	var priv [32]byte
	copy(priv[:], block.Bytes[:32])
	pk, err := fromPrivate(priv, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", identity.ErrCorruptKey, err)
	}
	pk.signature = append([]byte(nil), block.Bytes[32:]...)
	return pk, nil
}
