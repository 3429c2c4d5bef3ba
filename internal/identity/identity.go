// Package identity defines the stable 128-bit identifiers used throughout
// the cluster: MemberId names one process, ClusterId names the logical
// cluster it belongs to.
package identity

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// MemberId is a stable, persisted identifier for one Raft member.
type MemberId uuid.UUID

// ClusterId names one logical cluster. Messages carrying a mismatched
// ClusterId are dropped by the inbound dispatcher.
type ClusterId uuid.UUID

// NilMemberId is the zero value, used before a member has loaded or
// generated its identity file.
var NilMemberId = MemberId(uuid.Nil)

// NilClusterId is the zero value, used before a node has bound to a
// cluster.
var NilClusterId = ClusterId(uuid.Nil)

func (m MemberId) String() string  { return uuid.UUID(m).String() }
func (c ClusterId) String() string { return uuid.UUID(c).String() }

// MarshalBinary renders the identifier as its 16 raw bytes.
func (m MemberId) MarshalBinary() ([]byte, error) { return uuid.UUID(m).MarshalBinary() }

// UnmarshalBinary parses 16 raw bytes into a MemberId.
func (m *MemberId) UnmarshalBinary(b []byte) error {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return fmt.Errorf("identity: member id: %w", err)
	}
	*m = MemberId(u)
	return nil
}

// MarshalBinary renders the identifier as its 16 raw bytes.
func (c ClusterId) MarshalBinary() ([]byte, error) { return uuid.UUID(c).MarshalBinary() }

// UnmarshalBinary parses 16 raw bytes into a ClusterId.
func (c *ClusterId) UnmarshalBinary(b []byte) error {
	u, err := uuid.FromBytes(b)
	if err != nil {
		return fmt.Errorf("identity: cluster id: %w", err)
	}
	*c = ClusterId(u)
	return nil
}

// NewMemberId generates a fresh random member identity.
func NewMemberId() MemberId { return MemberId(uuid.New()) }

// NewClusterId generates a fresh random cluster identity.
func NewClusterId() ClusterId { return ClusterId(uuid.New()) }

// LoadOrCreateFile reads a 16-byte identity file, creating it with a fresh
// random id if the file does not yet exist. This backs both the
// `member-id` and `cluster-id` files in the persisted-state layout.
func LoadOrCreateFile(path string, fresh func() [16]byte) ([16]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil && len(b) == 16 {
		var out [16]byte
		copy(out[:], b)
		return out, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return [16]byte{}, fmt.Errorf("identity: read %s: %w", path, err)
	}
	out := fresh()
	if werr := os.WriteFile(path, out[:], 0o644); werr != nil {
		return [16]byte{}, fmt.Errorf("identity: write %s: %w", path, werr)
	}
	return out, nil
}
