package agents

import (
	"github.com/EternisAI/silo-dispatch/internal/registry"
)

// Registration is what an agent uploads the first time it starts.
type Registration struct {
	MachineID             string
	HostName              string
	IdentityPublicKey     []byte
	PublicPrekey          []byte
	PublicPrekeySignature []byte
}

type Registered struct {
	Agent *registry.Agent
	Token string
}
