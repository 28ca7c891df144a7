package cluster

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/cipherq/internal/ir"
)

// Node is one registered cluster member.
type Node struct {
	PublicKey ed25519.PublicKey
	Label     string
}

// KeyRing is the set of registered cluster node keys. Safe for concurrent use.
type KeyRing struct {
	mu    sync.RWMutex
	nodes map[string]Node // hex public key -> node
}

// NewKeyRing creates a keyring holding nodes.
func NewKeyRing(nodes ...Node) (*KeyRing, error) {
	k := &KeyRing{nodes: make(map[string]Node, len(nodes))}
	for _, n := range nodes {
		if err := k.Add(n); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// Add registers a node key. Adding a known key replaces its label.
func (k *KeyRing) Add(n Node) error {
	if len(n.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("cluster node %q: public key is %d bytes, want %d", n.Label, len(n.PublicKey), ed25519.PublicKeySize)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.nodes[hex.EncodeToString(n.PublicKey)] = n
	return nil
}

// Remove revokes a node key. Unknown keys are ignored.
func (k *KeyRing) Remove(publicKey []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.nodes, hex.EncodeToString(publicKey))
}

// Len returns the number of registered nodes.
func (k *KeyRing) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.nodes)
}

// Nodes returns the registered nodes ordered by public key.
func (k *KeyRing) Nodes() []Node {
	k.mu.RLock()
	defer k.mu.RUnlock()
	keys := make([]string, 0, len(k.nodes))
	for key := range k.nodes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]Node, len(keys))
	for i, key := range keys {
		out[i] = k.nodes[key]
	}
	return out
}

// CountValid returns the number of distinct registered nodes with a valid
// signature over digest. Signatures from unknown keys, malformed signatures
// and repeated signers contribute nothing.
func (k *KeyRing) CountValid(digest ir.Digest, sigs []ir.Signature) int {
	k.mu.RLock()
	defer k.mu.RUnlock()

	seen := make(map[string]bool, len(sigs))
	count := 0
	for _, sig := range sigs {
		key := hex.EncodeToString(sig.Signer)
		if seen[key] {
			continue
		}
		node, ok := k.nodes[key]
		if !ok || len(sig.Signature) != ed25519.SignatureSize {
			continue
		}
		if !ed25519.Verify(node.PublicKey, digest[:], sig.Signature) {
			continue
		}
		seen[key] = true
		count++
	}
	return count
}

// Verify checks that at least required distinct registered nodes signed
// digest. It returns an InsufficientOrInvalidSignatures error otherwise.
func (k *KeyRing) Verify(digest ir.Digest, sigs []ir.Signature, required int) error {
	valid := k.CountValid(digest, sigs)
	if valid >= required {
		return nil
	}
	err := ir.NewError(ir.CodeInsufficientOrInvalidSignatures, "%d valid signatures, %d required", valid, required)
	err.Details = map[string]string{
		"valid":     fmt.Sprint(valid),
		"required":  fmt.Sprint(required),
		"presented": fmt.Sprint(len(sigs)),
	}
	return err
}
