package who

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLinuxOutput(t *testing.T) {
	out := `alice    pts/0        2024-01-02 10:11 (10.0.0.5)
bob      tty1         2024-01-02 08:00
alice    pts/3        2024-01-03 09:30 (laptop.example.com)

`
	records, err := Parse(strings.NewReader(out), "ws1", time.UTC)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "alice", records[0].User)
	assert.Equal(t, "pts/0", records[0].Line)
	assert.Equal(t, "10.0.0.5", records[0].Remote)
	assert.Equal(t, "ws1", records[0].Host)
	assert.Equal(t, time.Date(2024, 1, 2, 10, 11, 0, 0, time.UTC), records[0].LoginTime)

	assert.Equal(t, "bob", records[1].User)
	assert.Equal(t, "", records[1].Remote)

	assert.Equal(t, "laptop.example.com", records[2].Remote)
}

func TestParseBSDDates(t *testing.T) {
	records, err := Parse(strings.NewReader("carol    ttyp0    Mar  4 17:20 (host)\n"), "bsd", time.UTC)
	require.NoError(t, err)
	require.Len(t, records, 1)

	lt := records[0].LoginTime
	assert.Equal(t, time.March, lt.Month())
	assert.Equal(t, 4, lt.Day())
	assert.Equal(t, 17, lt.Hour())
	assert.NotZero(t, lt.Year())
}

func TestParseSkipsUnknownUsers(t *testing.T) {
	records, err := Parse(strings.NewReader("(unknown) tty7 2024-01-02 10:11 (:0)\ndave pts/1\n"), "ws1", time.UTC)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "dave", records[0].User)
	assert.True(t, records[0].LoginTime.IsZero())
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse(strings.NewReader("alice pts/0\nnonsense\n"), "ws1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestParseEmpty(t *testing.T) {
	records, err := Parse(strings.NewReader(""), "ws1", nil)
	require.NoError(t, err)
	assert.Empty(t, records)
}
