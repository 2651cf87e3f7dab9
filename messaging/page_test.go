package messaging

import (
	"fmt"
	"testing"

	"github.com/meow-io/go-sealed/errs"
	"github.com/stretchr/testify/require"
)

func TestPagination(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	all := make(map[int64]bool)
	for i := 0; i < 45; i++ {
		b := f.send(f.alice.ID, fmt.Sprintf("m%d", i))
		all[f.rowFor(b, f.b1Key.ID).ID] = true
	}

	var before int64
	seen := make(map[int64]bool)
	expected := []struct {
		n       int
		hasMore bool
	}{{20, true}, {20, true}, {5, false}}
	for _, e := range expected {
		f.run(func() error {
			p, err := f.m.Page(f.bob.ID, PageRequest{ConversationID: f.conv.ID, DeviceKeyID: f.b1Key.ID, BeforeID: before, Limit: 20})
			require.Nil(err)
			require.Len(p.Rows, e.n)
			require.Equal(e.hasMore, p.HasMore)
			for i, r := range p.Rows {
				require.Equal(f.b1Key.ID, r.RecipientKeyID)
				require.False(seen[r.ID])
				seen[r.ID] = true
				if i > 0 {
					require.Less(p.Rows[i-1].ID, r.ID)
				}
				if before != 0 {
					require.Less(r.ID, before)
				}
			}
			before = p.Rows[0].ID
			return nil
		})
	}
	require.Equal(all, seen)
}

func TestPageIsStableUnderInserts(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	for i := 0; i < 5; i++ {
		f.send(f.alice.ID, fmt.Sprintf("m%d", i))
	}
	var cursor int64
	f.run(func() error {
		p, err := f.m.Page(f.bob.ID, PageRequest{ConversationID: f.conv.ID, DeviceKeyID: f.b1Key.ID, Limit: 2})
		require.Nil(err)
		cursor = p.Rows[0].ID
		return nil
	})
	f.send(f.alice.ID, "late")
	f.run(func() error {
		p, err := f.m.Page(f.bob.ID, PageRequest{ConversationID: f.conv.ID, DeviceKeyID: f.b1Key.ID, BeforeID: cursor, Limit: 10})
		require.Nil(err)
		require.Len(p.Rows, 3)
		require.False(p.HasMore)
		for _, r := range p.Rows {
			require.Less(r.ID, cursor)
		}
		return nil
	})
}

func TestPageLimits(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	for i := 0; i < 25; i++ {
		f.send(f.alice.ID, fmt.Sprintf("m%d", i))
	}
	require.Nil(f.d.Run("limits", func() error {
		p, err := f.m.Page(f.bob.ID, PageRequest{ConversationID: f.conv.ID, DeviceKeyID: f.b2Key.ID})
		require.Nil(err)
		require.Len(p.Rows, 20)
		require.True(p.HasMore)

		p, err = f.m.Page(f.bob.ID, PageRequest{ConversationID: f.conv.ID, DeviceKeyID: f.b2Key.ID, Limit: 1000})
		require.Nil(err)
		require.Len(p.Rows, 25)
		require.False(p.HasMore)

		_, err = f.m.Page(f.bob.ID, PageRequest{ConversationID: f.conv.ID, DeviceKeyID: f.b2Key.ID, Limit: -1})
		require.ErrorIs(err, errs.ErrValidation)

		_, err = f.m.Page(f.alice.ID, PageRequest{ConversationID: f.conv.ID, DeviceKeyID: f.b2Key.ID})
		require.ErrorIs(err, errs.ErrAuthorization)

		_, err = f.m.Page(f.carol.ID, PageRequest{ConversationID: f.conv.ID, DeviceKeyID: f.b2Key.ID})
		require.ErrorIs(err, errs.ErrAuthorization)

		_, err = f.m.Page(f.bob.ID, PageRequest{ConversationID: f.conv.ID, DeviceKeyID: 999})
		require.ErrorIs(err, errs.ErrNotFound)
		return nil
	}))
}
