package policy

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestCanRead_PublicAgent(t *testing.T) {
	author := uuid.New()
	assert.True(t, Anonymous.CanRead(true, author))
	assert.True(t, Caller{ID: uuid.New(), Authenticated: true}.CanRead(true, author))
	assert.True(t, Caller{ID: author, Authenticated: true}.CanRead(true, author))
}

func TestCanRead_PrivateAgent_AuthorOnly(t *testing.T) {
	author := uuid.New()
	assert.False(t, Anonymous.CanRead(false, author))
	assert.False(t, Caller{ID: uuid.New(), Authenticated: true}.CanRead(false, author))
	assert.True(t, Caller{ID: author, Authenticated: true}.CanRead(false, author))
}

func TestCanRead_UnauthenticatedCallerWithMatchingZeroID(t *testing.T) {
	// An anonymous caller must never match an author, even if the author
	// id happened to be the zero UUID.
	assert.False(t, Caller{}.CanRead(false, uuid.Nil))
}

func TestCanMutate_OwnerOnly(t *testing.T) {
	author := uuid.New()
	assert.True(t, Caller{ID: author, Authenticated: true}.CanMutate(author))
	assert.False(t, Caller{ID: uuid.New(), Authenticated: true}.CanMutate(author))
	assert.False(t, Anonymous.CanMutate(author))
	assert.False(t, Caller{ID: author}.CanMutate(author))
}
