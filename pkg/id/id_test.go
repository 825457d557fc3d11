package id

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	generated, err := NewString()
	require.NoError(t, err)

	_, err = Parse(generated)
	require.NoError(t, err)

	_, err = Parse("foobar")
	require.Error(t, err)

	require.True(t, IsValid(generated))
	require.False(t, IsValid("foobar"))
}

func TestIDsCarryTheirTimestamp(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)

	generated, err := NewFromTime(now)
	require.NoError(t, err)
	require.Equal(t, now.UnixMilli(), generated.Time().UnixMilli())
}

// Ids minted within the same millisecond must still sort in mint order,
// because the changelog relies on lexical ULID order.
func TestSameMillisecondIDsStaySorted(t *testing.T) {
	now := time.Now()

	ids := make([]string, 0, 1000)
	for i := 0; i < 1000; i++ {
		ids = append(ids, MustNewStringFromTime(now))
	}

	require.True(t, sort.StringsAreSorted(ids))

	unique := make(map[string]struct{}, len(ids))
	for _, v := range ids {
		unique[v] = struct{}{}
	}
	require.Len(t, unique, len(ids))
}
