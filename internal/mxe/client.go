package mxe

import (
	"github.com/roach88/cipherq/internal/ir"
	"github.com/roach88/cipherq/internal/layout"
)

// Client is an outside party exchanging values with the cluster.
type Client struct {
	Keys    KeyPair
	cluster [32]byte
}

// NewClient pairs keys with the cluster's public key.
func NewClient(keys KeyPair, clusterKey [32]byte) *Client {
	return &Client{Keys: keys, cluster: clusterKey}
}

// Seal encrypts values for the cluster, as inputs in the shared context.
func (c *Client) Seal(nonce layout.Nonce, values ...ir.U128) ([]layout.Block, error) {
	cipher, err := c.Keys.Shared(c.cluster)
	if err != nil {
		return nil, err
	}
	return cipher.Encrypt(nonce, values)
}

// Open decrypts blocks the cluster re-encrypted to this client.
func (c *Client) Open(nonce layout.Nonce, blocks []layout.Block) ([]ir.U128, error) {
	cipher, err := c.Keys.Shared(c.cluster)
	if err != nil {
		return nil, err
	}
	return cipher.Decrypt(nonce, blocks)
}

// OpenNotification decrypts a notification addressed to this client.
func (c *Client) OpenNotification(n ir.Notification) ([]ir.U128, error) {
	var nonce layout.Nonce
	copy(nonce[:], n.Nonce)
	blocks := make([]layout.Block, len(n.Ciphertexts))
	for i, ct := range n.Ciphertexts {
		copy(blocks[i][:], ct)
	}
	return c.Open(nonce, blocks)
}
