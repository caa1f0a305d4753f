package identity

import (
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/EternisAI/silo-dispatch/internal/fsutil"
)

const pemBlockType = "SILO DISPATCH IDENTITY KEY"

// Load reads a persisted identity. A missing file is reported as ErrIO
// wrapping fs.ErrNotExist.
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrIO, path, err)
	}
	return decode(data)
}

// LoadOrCreate returns the identity stored at path, generating and
// persisting a new one only when nothing is stored there yet. An existing
// file is never overwritten.
func LoadOrCreate(path string) (*Identity, error) {
	id, err := Load(path)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	id, err = Generate()
	if err != nil {
		return nil, err
	}

	err = write(path, id, fsutil.CreateFile)
	if errors.Is(err, fs.ErrExist) {
		// Lost a race with another process creating the same identity.
		return Load(path)
	}
	if err != nil {
		return nil, err
	}

	slog.Info("Generated new identity", "path", path, "fingerprint", id.Fingerprint())
	return id, nil
}

// GenerateNew replaces whatever identity is stored at path. The old key stays
// in place until the new one is fully written. Every trust relationship
// bound to the previous public key is invalidated.
func GenerateNew(path string) (*Identity, error) {
	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := write(path, id, fsutil.WriteFile); err != nil {
		return nil, err
	}

	slog.Warn("Replaced identity", "path", path, "fingerprint", id.Fingerprint())
	return id, nil
}

func write(path string, id *Identity, writeFile func(string, []byte, os.FileMode) error) error {
	data := pem.EncodeToMemory(&pem.Block{Type: pemBlockType, Bytes: id.seed()})
	if err := writeFile(path, data, 0600); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return nil
}

func decode(data []byte) (*Identity, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrCorruptKey)
	}
	if block.Type != pemBlockType {
		return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrCorruptKey, block.Type)
	}
	return FromSeed(block.Bytes)
}
