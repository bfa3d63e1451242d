// Package node manages the identity of a qube. Every node has a persistent
// ULID that is generated on first start and kept in the node store, together
// with a boot counter. The identity names the node's log file and tags every
// log line, so the output of several qubes sharing a host stays separable.
package node

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sneh-joshi/disqube/internal/store"
)

// ID is a ULID string that uniquely identifies a qube process.
// It is stable across restarts within the same data directory.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Short returns the random tail of the ULID, enough to tell nodes apart in logs.
func (id ID) Short() string {
	if len(id) < 6 {
		return string(id)
	}
	return string(id[len(id)-6:])
}

// Store is the persistence a Node needs. *store.Store satisfies it.
type Store interface {
	NodeID() (string, error)
	SetNodeID(id string) error
	IncrementBoots() (uint64, error)
}

// Node holds the persistent identity of this qube.
type Node struct {
	id   ID
	boot uint64
}

// New loads the node ID from st, generating and persisting a new ULID if
// none exists, and counts this start as a boot.
// If nodeIDOverride is "auto" or empty the stored ID is used.
func New(st Store, nodeIDOverride string) (*Node, error) {
	if st == nil {
		return nil, errors.New("node: store must not be nil")
	}

	var id ID
	if nodeIDOverride != "" && nodeIDOverride != "auto" {
		// Explicit override takes precedence (useful in tests / container envs).
		if err := validateULID(nodeIDOverride); err != nil {
			return nil, fmt.Errorf("node: invalid id override %q: %w", nodeIDOverride, err)
		}
		id = ID(nodeIDOverride)
	} else {
		var err error
		if id, err = loadOrGenerate(st); err != nil {
			return nil, err
		}
	}

	boot, err := st.IncrementBoots()
	if err != nil {
		return nil, fmt.Errorf("node: count boot: %w", err)
	}
	return &Node{id: id, boot: boot}, nil
}

// ID returns the node's stable ULID string.
func (n *Node) ID() ID { return n.id }

// Boot returns how many times this node has started, this start included.
func (n *Node) Boot() uint64 { return n.boot }

// loadOrGenerate reads the node ID from the store, creating a new one if absent.
func loadOrGenerate(st Store) (ID, error) {
	persisted, err := st.NodeID()
	if err == nil {
		if err := validateULID(persisted); err != nil {
			return "", fmt.Errorf("node: persisted id %q is invalid: %w", persisted, err)
		}
		return ID(persisted), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("node: read id: %w", err)
	}

	id, err := generateULID()
	if err != nil {
		return "", fmt.Errorf("node: generate id: %w", err)
	}
	if err := st.SetNodeID(id.String()); err != nil {
		return "", fmt.Errorf("node: persist id: %w", err)
	}
	return id, nil
}

// monoEntropy is shared across generateULID calls so that ULIDs minted in
// the same millisecond stay lexicographically ordered.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

func generateULID() (ID, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), monoEntropy)
	if err != nil {
		return "", err
	}
	return ID(id.String()), nil
}

// validateULID returns an error if s is not a well-formed ULID string.
func validateULID(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}

// NewID generates a fresh ULID, used for admin event ids.
func NewID() (string, error) {
	id, err := generateULID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNewID is like NewID but panics on error. Use only in tests or init code.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("node.MustNewID: %v", err))
	}
	return id
}
