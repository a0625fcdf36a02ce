package secret

import (
	"github.com/codex-k8s/approval-gate/internal/approval"
)

// Signer loads the key at path and returns the signer for kind. The key is
// read on every call and wiped once the subkey is derived.
func Signer(path, kind string) (*approval.Signer, error) {
	key, err := Load(path)
	if err != nil {
		return nil, err
	}
	defer key.Close()
	sub, err := key.Derive(kind)
	if err != nil {
		return nil, err
	}
	return approval.NewSigner(sub)
}
