package namer

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrNamingConflict marks entries whose destination filename is also
// claimed by another entry in the same run.
var ErrNamingConflict = errors.New("naming conflict")

// Claims tracks destination paths claimed during a run so that no two
// entries silently resolve to the same file. When a conflict is
// detected, both claimants are marked conflicted: the later one is
// rejected outright, the earlier one is demoted when outcomes are
// finalized.
type Claims struct {
	mu         sync.Mutex
	owners     map[string]string
	conflicted map[string]struct{}
}

func NewClaims() *Claims {
	return &Claims{
		owners:     make(map[string]string),
		conflicted: make(map[string]struct{}),
	}
}

// Claim reserves path for the entry with the given id. It fails if the
// path is already owned by a different entry.
func (c *Claims) Claim(path string, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	owner, ok := c.owners[path]
	if ok && owner != id {
		c.conflicted[owner] = struct{}{}
		c.conflicted[id] = struct{}{}
		return errors.Wrapf(ErrNamingConflict, "%s already claimed by %s", path, owner)
	}

	c.owners[path] = id
	return nil
}

// Conflicted reports whether the entry ended up on either side of a
// naming conflict.
func (c *Claims) Conflicted(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.conflicted[id]
	return ok
}
