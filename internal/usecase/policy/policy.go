package policy

import (
	"strings"
	"sync"

	"ble-bridge/internal/domain"
)

// Policy gates which bridge commands a guest may invoke. An empty allow
// list grants every command; the deny list always wins. Command names
// compare case-insensitively.
type Policy struct {
	mu      sync.RWMutex
	allowed map[string]bool // empty = allow everything
	denied  map[string]bool
}

// New builds a policy from allow and deny lists.
func New(allowed, denied []string) *Policy {
	p := &Policy{
		allowed: make(map[string]bool, len(allowed)),
		denied:  make(map[string]bool, len(denied)),
	}
	for _, c := range allowed {
		p.allowed[strings.ToLower(c)] = true
	}
	for _, c := range denied {
		p.denied[strings.ToLower(c)] = true
	}
	return p
}

// AllowAll returns a policy that permits every command.
func AllowAll() *Policy {
	return New(nil, nil)
}

// Check returns nil when command is permitted, ErrPermissionDenied
// otherwise.
func (p *Policy) Check(command string) error {
	c := strings.ToLower(command)
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.denied[c] {
		return domain.NewDomainError("Policy.Check", domain.ErrPermissionDenied, command)
	}
	if len(p.allowed) > 0 && !p.allowed[c] {
		return domain.NewDomainError("Policy.Check", domain.ErrPermissionDenied, command)
	}
	return nil
}
