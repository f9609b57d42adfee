// Package policy holds the authorization decisions shared by every
// visibility-sensitive operation on agents.
package policy

import "github.com/google/uuid"

// Caller identifies who is making a request. The zero value is an
// anonymous caller.
type Caller struct {
	ID            uuid.UUID
	Authenticated bool
}

// Anonymous is the caller used for requests without credentials.
var Anonymous = Caller{}

// CanRead reports whether the caller may read an agent: public agents
// are readable by anyone, private agents only by their author.
func (c Caller) CanRead(isPublic bool, authorID uuid.UUID) bool {
	if isPublic {
		return true
	}
	return c.Authenticated && c.ID == authorID
}

// CanMutate reports whether the caller may modify or delete an agent.
// Only the author may; anonymous callers never can.
func (c Caller) CanMutate(authorID uuid.UUID) bool {
	return c.Authenticated && c.ID == authorID
}
