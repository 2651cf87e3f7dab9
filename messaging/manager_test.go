package messaging

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/meow-io/go-sealed/errs"
	"github.com/stretchr/testify/require"
)

func TestWriteBatch(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	b := f.send(f.alice.ID, "hi")
	require.Len(b.Rows, 3)
	keys := make(map[int64]bool)
	for i, r := range b.Rows {
		require.Equal(b.ID, r.BatchID)
		require.Equal(StatusSent, r.Status)
		require.Equal(f.alice.ID, r.SenderID)
		keys[r.RecipientKeyID] = true
		for _, other := range b.Rows[i+1:] {
			require.False(bytes.Equal(r.Ciphertext, other.Ciphertext))
		}
	}
	require.Equal(map[int64]bool{f.aKey.ID: true, f.b1Key.ID: true, f.b2Key.ID: true}, keys)

	b2 := f.send(f.bob.ID, "hello")
	require.Greater(b2.ID, b.ID)
}

func TestWriteBatchValidation(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	require.Nil(f.d.Run("validation", func() error {
		_, err := f.m.WriteBatch(f.conv.ID, f.carol.ID, f.copies("x"))
		require.ErrorIs(err, errs.ErrAuthorization)

		_, err = f.m.WriteBatch(999, f.alice.ID, f.copies("x"))
		require.ErrorIs(err, errs.ErrNotFound)

		_, err = f.m.WriteBatch(f.conv.ID, f.alice.ID, nil)
		require.ErrorIs(err, errs.ErrNoRecipientKeys)

		dup := append(f.copies("x"), SealedCopy{RecipientKeyID: f.aKey.ID, Ciphertext: []byte("again")})
		_, err = f.m.WriteBatch(f.conv.ID, f.alice.ID, dup)
		require.ErrorIs(err, errs.ErrValidation)

		empty := f.copies("x")
		empty[1].Ciphertext = nil
		_, err = f.m.WriteBatch(f.conv.ID, f.alice.ID, empty)
		require.ErrorIs(err, errs.ErrValidation)

		foreign := append(f.copies("x")[:2], SealedCopy{RecipientKeyID: f.b2Key.ID + 1, Ciphertext: []byte("carol")})
		_, err = f.m.WriteBatch(f.conv.ID, f.alice.ID, foreign)
		require.ErrorIs(err, errs.ErrValidation)
		return nil
	}))
}

func TestWriteBatchWithoutSenderKeys(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	require.Nil(f.d.Run("no keys", func() error {
		dave, err := f.reg.CreateUser("dave")
		require.Nil(err)
		conv, err := f.reg.PairwiseConversation(dave.ID, f.bob.ID)
		require.Nil(err)
		_, err = f.m.WriteBatch(conv.ID, dave.ID, []SealedCopy{{RecipientKeyID: f.b1Key.ID, Ciphertext: []byte("x")}})
		require.ErrorIs(err, errs.ErrNoRecipientKeys)
		return nil
	}))
}

func TestWriteBatchToleratesMissingKey(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	var b *Batch
	require.Nil(f.d.Run("missing key", func() error {
		var err error
		b, err = f.m.WriteBatch(f.conv.ID, f.alice.ID, f.copies("x")[:2])
		return err
	}))
	require.Len(b.Rows, 2)
}

func TestWriteBatchIsAtomic(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	dup := append(f.copies("x"), SealedCopy{RecipientKeyID: f.aKey.ID, Ciphertext: []byte("again")})
	err := f.d.Run("atomic", func() error {
		_, err := f.m.WriteBatch(f.conv.ID, f.alice.ID, dup)
		return err
	})
	require.ErrorIs(err, errs.ErrValidation)

	f.run(func() error {
		p, err := f.m.Page(f.bob.ID, PageRequest{ConversationID: f.conv.ID, DeviceKeyID: f.b1Key.ID})
		require.Nil(err)
		require.Empty(p.Rows)
		return nil
	})
}

func TestDeliveryAndReadScenario(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	b := f.send(f.alice.ID, "hi")
	require.Len(b.Rows, 3)
	require.Equal(0, f.unread(f.alice.ID))
	require.Equal(1, f.unread(f.bob.ID))

	// bob's first device acknowledges the row addressed to it
	f.run(func() error {
		changed, err := f.m.MarkDelivered(f.bob.ID, f.conv.ID, []int64{f.rowFor(b, f.b1Key.ID).ID})
		require.Nil(err)
		require.Len(changed, 2)
		return nil
	})
	require.Equal(map[int64]Status{
		f.aKey.ID:  StatusSent,
		f.b1Key.ID: StatusDelivered,
		f.b2Key.ID: StatusDelivered,
	}, f.statuses(b.ID))
	require.Equal(0, f.unread(f.alice.ID))
	require.Equal(1, f.unread(f.bob.ID))

	f.run(func() error {
		changed, err := f.m.MarkRead(f.bob.ID, f.conv.ID, []int64{f.rowFor(b, f.b2Key.ID).ID})
		require.Nil(err)
		require.Len(changed, 2)
		for _, r := range changed {
			require.Equal(StatusRead, r.Status)
		}
		return nil
	})
	require.Equal(map[int64]Status{
		f.aKey.ID:  StatusSent,
		f.b1Key.ID: StatusRead,
		f.b2Key.ID: StatusRead,
	}, f.statuses(b.ID))
	require.Equal(0, f.unread(f.alice.ID))
	require.Equal(0, f.unread(f.bob.ID))
}

func TestMarkReadIsIdempotent(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	b := f.send(f.alice.ID, "hi")
	ids := []int64{f.rowFor(b, f.b1Key.ID).ID}
	f.run(func() error {
		changed, err := f.m.MarkRead(f.bob.ID, f.conv.ID, ids)
		require.Nil(err)
		require.Len(changed, 2)
		return nil
	})
	once := f.statuses(b.ID)
	f.run(func() error {
		changed, err := f.m.MarkRead(f.bob.ID, f.conv.ID, ids)
		require.Nil(err)
		require.Empty(changed)
		changed, err = f.m.MarkDelivered(f.bob.ID, f.conv.ID, ids)
		require.Nil(err)
		require.Empty(changed)
		return nil
	})
	require.Equal(once, f.statuses(b.ID))
}

func TestBulkMarking(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	first := f.send(f.alice.ID, "one")
	second := f.send(f.alice.ID, "two")
	own := f.send(f.bob.ID, "mine")
	require.Equal(2, f.unread(f.bob.ID))
	require.Equal(1, f.unread(f.alice.ID))

	f.run(func() error {
		changed, err := f.m.MarkDelivered(f.bob.ID, f.conv.ID, nil)
		require.Nil(err)
		require.Len(changed, 4)
		return nil
	})
	require.Equal(StatusDelivered, f.statuses(first.ID)[f.b2Key.ID])
	require.Equal(StatusDelivered, f.statuses(second.ID)[f.b1Key.ID])
	require.Equal(StatusSent, f.statuses(own.ID)[f.b1Key.ID])

	f.run(func() error {
		changed, err := f.m.MarkRead(f.bob.ID, f.conv.ID, nil)
		require.Nil(err)
		require.Len(changed, 4)
		return nil
	})
	require.Equal(0, f.unread(f.bob.ID))
	require.Equal(1, f.unread(f.alice.ID))
}

func TestMarkingAuthorization(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	b := f.send(f.alice.ID, "hi")
	other := f.send(f.alice.ID, "other")
	require.Nil(f.d.Run("auth", func() error {
		_, err := f.m.MarkRead(f.alice.ID, f.conv.ID, []int64{f.rowFor(b, f.b1Key.ID).ID})
		require.ErrorIs(err, errs.ErrAuthorization)

		_, err = f.m.MarkDelivered(f.carol.ID, f.conv.ID, nil)
		require.ErrorIs(err, errs.ErrAuthorization)

		_, err = f.m.MarkRead(f.bob.ID, f.conv.ID, []int64{999999})
		require.ErrorIs(err, errs.ErrNotFound)
		return nil
	}))

	// only the batches named are touched
	f.run(func() error {
		_, err := f.m.MarkRead(f.bob.ID, f.conv.ID, []int64{f.rowFor(b, f.b1Key.ID).ID})
		return err
	})
	require.Equal(StatusSent, f.statuses(other.ID)[f.b1Key.ID])
}

func TestUnreadCountsBatchesNotRows(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		f.send(f.alice.ID, fmt.Sprintf("m%d", i))
	}
	// six rows are addressed to bob's two keys, but only three messages
	require.Equal(3, f.unread(f.bob.ID))
}

func TestEditBatch(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	b := f.send(f.alice.ID, "hi")
	other := f.send(f.alice.ID, "other")
	f.run(func() error {
		_, err := f.m.MarkDelivered(f.bob.ID, f.conv.ID, []int64{f.rowFor(b, f.b1Key.ID).ID})
		return err
	})
	f.clock.AdvanceMs(500)

	f.run(func() error {
		edited, err := f.m.EditBatch(f.alice.ID, b.ID, f.copies("edited"))
		require.Nil(err)
		require.Equal(b.ID, edited.ID)
		require.Len(edited.Rows, 3)
		latest, err := f.m.IsLatestBatch(f.conv.ID, b.ID)
		require.Nil(err)
		require.False(latest)
		return nil
	})

	f.run(func() error {
		rows, err := f.m.db.rowsForBatch(b.ID)
		require.Nil(err)
		for _, r := range rows {
			require.Contains(string(r.Ciphertext), "edited")
			require.Equal(r.CreatedAtMs+500, r.UpdatedAtMs)
			if r.RecipientKeyID == f.aKey.ID {
				require.Equal(StatusSent, r.Status)
			} else {
				require.Equal(StatusDelivered, r.Status)
			}
		}
		rows, err = f.m.db.rowsForBatch(other.ID)
		require.Nil(err)
		for _, r := range rows {
			require.Contains(string(r.Ciphertext), "other")
		}
		return nil
	})
}

func TestEditBatchRejections(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	b := f.send(f.alice.ID, "hi")
	require.Nil(f.d.Run("reject", func() error {
		_, err := f.m.EditBatch(f.bob.ID, b.ID, f.copies("x"))
		require.ErrorIs(err, errs.ErrAuthorization)

		_, err = f.m.EditBatch(f.alice.ID, 999, f.copies("x"))
		require.ErrorIs(err, errs.ErrNotFound)

		_, err = f.m.EditBatch(f.alice.ID, b.ID, f.copies("x")[:2])
		require.ErrorIs(err, errs.ErrValidation)

		swapped := f.copies("x")
		swapped[2].RecipientKeyID = f.aKey.ID
		_, err = f.m.EditBatch(f.alice.ID, b.ID, swapped)
		require.ErrorIs(err, errs.ErrValidation)
		return nil
	}))
}

func TestBatchRows(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	b := f.send(f.alice.ID, "hi")
	require.Nil(f.d.Run("batch rows", func() error {
		refs, err := f.m.BatchRows(f.alice.ID, b.ID)
		require.Nil(err)
		require.Len(refs, 3)
		for i, ref := range refs {
			require.Equal(b.Rows[i].ID, ref.ID)
			require.Equal(b.Rows[i].RecipientKeyID, ref.RecipientKeyID)
		}

		_, err = f.m.BatchRows(f.bob.ID, b.ID)
		require.ErrorIs(err, errs.ErrAuthorization)
		return nil
	}))
}

func TestLatestRowsFor(t *testing.T) {
	require := require.New(t)
	f := newFixture(t)

	f.run(func() error {
		rows, err := f.m.LatestRowsFor(f.conv.ID, f.bob.ID)
		require.Nil(err)
		require.Empty(rows)
		return nil
	})
	f.send(f.alice.ID, "one")
	last := f.send(f.alice.ID, "two")
	f.run(func() error {
		rows, err := f.m.LatestRowsFor(f.conv.ID, f.bob.ID)
		require.Nil(err)
		require.Len(rows, 2)
		for _, r := range rows {
			require.Equal(last.ID, r.BatchID)
			require.NotEqual(f.aKey.ID, r.RecipientKeyID)
		}
		return nil
	})
}
