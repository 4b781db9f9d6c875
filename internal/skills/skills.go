package skills

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrNoRouteFound = errors.New("no routing policy found")

// Result carries a skill's declared outputs back to the orchestrator.
type Result struct {
	Output map[string]any
}

// Skill is an executable capability. Accepts lets a skill refuse a payload
// up front; Invoke performs the work.
type Skill interface {
	Accepts(payload map[string]any) bool
	Invoke(ctx context.Context, payload map[string]any) (Result, error)
}

// Hash returns the SHA-256 hex digest of the canonical JSON encoding of a
// payload. Go marshals map keys sorted, which keeps the digest stable.
func Hash(payload map[string]any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", payload))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Ref names one registered skill version.
type Ref struct {
	SkillID string
	Version string
}

func (r Ref) String() string {
	return r.SkillID + "@" + r.Version
}
