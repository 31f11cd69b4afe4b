package supervisor

import (
	"fmt"
	"os"
	"strings"
)

// CredentialFile is the scoped resource described in spec.md §3/§4.2/§5: a
// file readable only by the subprocess-spawning identity, carrying the
// recognized secrets so they never appear in the subprocess argv. Every
// session-end and session-start-failure path releases it (spec.md §5
// "Shared-resource policy").
type CredentialFile struct {
	path string
}

// WriteCredentialFile writes secrets as KEY=VALUE lines to path with
// owner-only permissions, returning a CredentialFile whose Release deletes
// it. Grounded on the pack's general preference for 0600 secret files
// (the teacher spawns workloads with credentials passed through the
// environment rather than argv for the same reason).
func WriteCredentialFile(path string, secrets map[string]string) (*CredentialFile, error) {
	var b strings.Builder
	for k, v := range secrets {
		fmt.Fprintf(&b, "%s=%s\n", k, v)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write credential file: %w", err)
	}
	return &CredentialFile{path: path}, nil
}

// Release deletes the credential file. Safe to call more than once.
func (c *CredentialFile) Release() {
	if c == nil {
		return
	}
	_ = os.Remove(c.path)
}
