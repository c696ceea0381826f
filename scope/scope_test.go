package scope

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveConversationIDSymmetric(t *testing.T) {
	pairs := [][2]string{
		{"alice@x.com", "bob@x.com"},
		{"bob@x.com", "alice@x.com"},
		{"a", "a"},
		{"", "z@y.org"},
	}
	for _, p := range pairs {
		assert.Equal(t, DeriveConversationID(p[0], p[1]), DeriveConversationID(p[1], p[0]), "%v", p)
		assert.Equal(t, Direct(p[0], p[1]), Direct(p[1], p[0]), "%v", p)
	}
}

func TestDeriveConversationIDDistinct(t *testing.T) {
	seen := make(map[string][2]string)
	ids := []string{"a", "b", "ab", "a@x.com", "b@x.com", "ab@x.com", "a_b", "a_", "_b"}
	for i := 0; i < len(ids); i++ {
		for j := i; j < len(ids); j++ {
			id := DeriveConversationID(ids[i], ids[j])
			if prev, ok := seen[id]; ok {
				t.Fatalf("collision: %v and %v", prev, [2]string{ids[i], ids[j]})
			}
			seen[id] = [2]string{ids[i], ids[j]}
		}
	}

	// separator ambiguity of naive joins
	assert.NotEqual(t, DeriveConversationID("a_b", "c"), DeriveConversationID("a", "b_c"))
}

func TestParse(t *testing.T) {
	kind, id, err := Parse(Global())
	assert.NoError(t, err)
	assert.Equal(t, KindGlobal, kind)
	assert.Empty(t, id)

	kind, id, err = Parse(League("42"))
	assert.NoError(t, err)
	assert.Equal(t, KindLeague, kind)
	assert.Equal(t, "42", id)

	kind, _, err = Parse(Direct("alice@x.com", "bob@x.com"))
	assert.NoError(t, err)
	assert.Equal(t, KindDirect, kind)

	for _, bad := range []Key{"", "global:1", "league:", "league:a:b", "dm:abc", "team:1", "league:a b"} {
		_, _, err := Parse(bad)
		assert.Error(t, err, fmt.Sprintf("key %q", bad))
	}
}
