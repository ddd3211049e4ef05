package docstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func TestTypedRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewTyped[counter](NewMemoryStore().Collection("counters"))

	_, err := c.Insert(ctx, "a", &counter{Name: "a", Value: 1})
	require.NoError(t, err)

	got, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, counter{Name: "a", Value: 1}, *got.Value)

	list, err := c.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].Key)
}

func TestTypedUpdateRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	c := NewTyped[counter](NewMemoryStore().Collection("counters"))
	_, err := c.Insert(ctx, "a", &counter{Name: "a"})
	require.NoError(t, err)

	raced := false
	updated, err := c.Update(ctx, "a", 3, func(v *counter) (bool, error) {
		if !raced {
			raced = true
			// Another writer sneaks in between our read and write.
			_, err := c.Put(ctx, "a", &counter{Name: "a", Value: 10})
			require.NoError(t, err)
		}
		v.Value++
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 11, updated.Value.Value)
	assert.Equal(t, int64(3), updated.Version)
}

func TestTypedUpdateGivesUp(t *testing.T) {
	ctx := context.Background()
	c := NewTyped[counter](NewMemoryStore().Collection("counters"))
	_, err := c.Insert(ctx, "a", &counter{Name: "a"})
	require.NoError(t, err)

	_, err = c.Update(ctx, "a", 2, func(v *counter) (bool, error) {
		_, err := c.Put(ctx, "a", &counter{Name: "a", Value: v.Value + 100})
		require.NoError(t, err)
		v.Value++
		return true, nil
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestTypedUpdateNoChange(t *testing.T) {
	ctx := context.Background()
	c := NewTyped[counter](NewMemoryStore().Collection("counters"))
	_, err := c.Insert(ctx, "a", &counter{Name: "a"})
	require.NoError(t, err)

	got, err := c.Update(ctx, "a", 1, func(*counter) (bool, error) { return false, nil })
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	boom := errors.New("boom")
	_, err = c.Update(ctx, "a", 1, func(*counter) (bool, error) { return false, boom })
	assert.ErrorIs(t, err, boom)
}
