package types

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/creachadair/atomicfile"
)

// NodeKey is the persistent peer key.
// It contains the node's private key for authentication.
type NodeKey struct {
	// Canonical ID - the uncompressed public key without its prefix byte
	ID NodeID
	// Private key
	PrivKey *btcec.PrivateKey
}

// NodeIDFromPubKey returns the node id of pub.
func NodeIDFromPubKey(pub *btcec.PublicKey) NodeID {
	var id NodeID
	copy(id[:], pub.SerializeUncompressed()[1:])
	return id
}

// SaveAs persists the NodeKey to filePath as hex.
func (nk NodeKey) SaveAs(filePath string) error {
	_, err := atomicfile.WriteAll(filePath, strings.NewReader(hex.EncodeToString(nk.PrivKey.Serialize())+"\n"), 0600)
	return err
}

// LoadOrGenNodeKey attempts to load the NodeKey from the given filePath. If
// the file does not exist, it generates and saves a new NodeKey.
func LoadOrGenNodeKey(filePath string) (NodeKey, error) {
	nodeKey, err := LoadNodeKey(filePath)
	switch {
	case err == nil:
		return nodeKey, nil
	case !errors.Is(err, os.ErrNotExist):
		return NodeKey{}, err
	}

	nodeKey, err = GenNodeKey()
	if err != nil {
		return NodeKey{}, err
	}
	if err := nodeKey.SaveAs(filePath); err != nil {
		return NodeKey{}, err
	}
	return nodeKey, nil
}

// GenNodeKey generates a new node key.
func GenNodeKey() (NodeKey, error) {
	privKey, err := btcec.NewPrivateKey()
	if err != nil {
		return NodeKey{}, fmt.Errorf("generating node key: %w", err)
	}
	return NodeKey{
		ID:      NodeIDFromPubKey(privKey.PubKey()),
		PrivKey: privKey,
	}, nil
}

// LoadNodeKey loads NodeKey located in filePath.
func LoadNodeKey(filePath string) (NodeKey, error) {
	bz, err := os.ReadFile(filePath)
	if err != nil {
		return NodeKey{}, err
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(bz)))
	if err != nil {
		return NodeKey{}, fmt.Errorf("invalid node key file %s: %w", filePath, err)
	}
	if len(raw) != btcec.PrivKeyBytesLen {
		return NodeKey{}, fmt.Errorf("invalid node key file %s: length %d", filePath, len(raw))
	}
	privKey, pubKey := btcec.PrivKeyFromBytes(raw)
	return NodeKey{ID: NodeIDFromPubKey(pubKey), PrivKey: privKey}, nil
}
