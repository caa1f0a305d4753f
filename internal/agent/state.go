package agent

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/EternisAI/silo-dispatch/internal/fsutil"
	"github.com/google/uuid"
)

const (
	appDirName = "silo-dispatch"

	agentIDFile  = "agent_id"
	tokenFile    = "agent_token"
	identityFile = "identity.pem"
	lockFile     = "agent.lock"
)

var ErrStateIO = errors.New("agent state")

// DefaultStateDir is the per-user cache directory the agent keeps its
// identity, prekeys and registration in.
func DefaultStateDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("%w: locate cache dir: %w", ErrStateIO, err)
	}
	return filepath.Join(base, appDirName), nil
}

func IdentityPath(dir string) string { return filepath.Join(dir, identityFile) }
func LockPath(dir string) string     { return filepath.Join(dir, lockFile) }

// Registration is what the agent remembers about itself between runs.
type Registration struct {
	AgentID uuid.UUID
	Token   string
}

// LoadRegistration returns ok=false when the agent has not registered yet.
func LoadRegistration(dir string) (Registration, bool, error) {
	raw, err := os.ReadFile(filepath.Join(dir, agentIDFile))
	if errors.Is(err, fs.ErrNotExist) {
		return Registration{}, false, nil
	}
	if err != nil {
		return Registration{}, false, fmt.Errorf("%w: read agent id: %w", ErrStateIO, err)
	}

	// Stored as the 16 raw UUID bytes.
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return Registration{}, false, fmt.Errorf("%w: agent id file holds %d bytes, want 16", ErrStateIO, len(raw))
	}

	token, err := os.ReadFile(filepath.Join(dir, tokenFile))
	if errors.Is(err, fs.ErrNotExist) {
		// Without a token the id is useless; register again.
		return Registration{}, false, nil
	}
	if err != nil {
		return Registration{}, false, fmt.Errorf("%w: read token: %w", ErrStateIO, err)
	}

	return Registration{AgentID: id, Token: strings.TrimSpace(string(token))}, true, nil
}

func SaveRegistration(dir string, reg Registration) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: create state dir: %w", ErrStateIO, err)
	}
	// Token first: an id without a token is treated as unregistered.
	if err := fsutil.WriteFile(filepath.Join(dir, tokenFile), []byte(reg.Token+"\n"), 0o600); err != nil {
		return fmt.Errorf("%w: write token: %w", ErrStateIO, err)
	}
	if err := fsutil.WriteFile(filepath.Join(dir, agentIDFile), reg.AgentID[:], 0o600); err != nil {
		return fmt.Errorf("%w: write agent id: %w", ErrStateIO, err)
	}
	return nil
}
