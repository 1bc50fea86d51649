package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, &StateStoreSuite{newStore: func() StateStore { return NewInMemoryStore() }})
}

func TestNextMember(t *testing.T) {
	members := []string{"a", "b", "c"}

	assert.Equal(t, "a", nextMember(members, ""))
	assert.Equal(t, "b", nextMember(members, "a"))
	assert.Equal(t, "c", nextMember(members, "b"))
	assert.Equal(t, "a", nextMember(members, "c"))
	assert.Equal(t, "a", nextMember(members, "gone"))
	assert.Equal(t, "", nextMember(nil, "a"))
}
