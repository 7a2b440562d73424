package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(user, line string) Record {
	return Record{User: user, Line: line}
}

func TestCountEmpty(t *testing.T) {
	assert.Empty(t, Count(nil))
	assert.Empty(t, Count([]Record{}))
}

func TestCountDistinctUsersKeepsOrder(t *testing.T) {
	in := []Record{rec("carol", "pts/0"), rec("alice", "pts/1"), rec("bob", "tty1")}
	got := Count(in)

	require.Len(t, got, 3)
	for i, c := range got {
		assert.Equal(t, in[i], c.Record)
		assert.Equal(t, 1, c.Count)
	}
}

func TestCountInterleaved(t *testing.T) {
	first := Record{User: "u", Line: "pts/3", LoginTime: time.Unix(100, 0)}
	in := []Record{
		first,
		rec("v", "pts/4"),
		rec("u", "pts/5"),
		rec("v", "pts/6"),
		rec("u", "pts/7"),
		rec("v", "pts/8"),
		rec("v", "pts/9"),
	}

	got := Count(in)
	require.Len(t, got, 2)

	assert.Equal(t, "u", got[0].User())
	assert.Equal(t, 3, got[0].Count)
	assert.Equal(t, first, got[0].Record)

	assert.Equal(t, "v", got[1].User())
	assert.Equal(t, 4, got[1].Count)
	assert.Equal(t, "pts/4", got[1].Record.Line)

	assert.Equal(t, len(in), Total(got))
}

func TestCountGroupsEmptyUser(t *testing.T) {
	got := Count([]Record{rec("", "a"), rec("", "b")})
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Count)
}
