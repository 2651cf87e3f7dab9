package db_test

import (
	"database/sql"
	"errors"
	"os"
	"testing"

	"github.com/meow-io/go-sealed/internal/test"
	"github.com/meow-io/go-sealed/migration"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

var widgetMigrations = []*migration.Migration{
	{
		Name: "Create widgets",
		Func: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE TABLE widgets (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL)`)
			return err
		},
	},
}

func TestMigrateIsIdempotent(t *testing.T) {
	require := require.New(t)
	d := test.NewTestDatabase(test.NewConfig())
	defer d.Shutdown()

	require.Nil(d.Migrate("widgets", widgetMigrations))
	require.Nil(d.Migrate("widgets", widgetMigrations))

	var count int
	require.Nil(d.RunReadOnly("count", func() error {
		return d.Tx.Get(&count, "SELECT count(*) FROM _migrations_widgets")
	}))
	require.Equal(1, count)
}

func TestAfterCommitRunsInOrder(t *testing.T) {
	require := require.New(t)
	d := test.NewTestDatabase(test.NewConfig())
	defer d.Shutdown()
	require.Nil(d.Migrate("widgets", widgetMigrations))

	var seen []string
	require.Nil(d.Run("insert", func() error {
		if _, err := d.Tx.Exec("INSERT INTO widgets (name) VALUES (?)", "a"); err != nil {
			return err
		}
		d.AfterCommit(func() { seen = append(seen, "first") })
		d.AfterCommit(func() { seen = append(seen, "second") })
		require.Empty(seen)
		return nil
	}))
	require.Equal([]string{"first", "second"}, seen)
}

func TestRollbackDropsCallbacks(t *testing.T) {
	require := require.New(t)
	d := test.NewTestDatabase(test.NewConfig())
	defer d.Shutdown()
	require.Nil(d.Migrate("widgets", widgetMigrations))

	called := false
	boom := errors.New("boom")
	err := d.Run("insert", func() error {
		if _, err := d.Tx.Exec("INSERT INTO widgets (name) VALUES (?)", "a"); err != nil {
			return err
		}
		d.AfterCommit(func() { called = true })
		return boom
	})
	require.ErrorIs(err, boom)
	require.False(called)

	var count int
	require.Nil(d.RunReadOnly("count", func() error {
		return d.Tx.Get(&count, "SELECT count(*) FROM widgets")
	}))
	require.Equal(0, count)
}

func TestBeforeCommitErrorRollsBack(t *testing.T) {
	require := require.New(t)
	d := test.NewTestDatabase(test.NewConfig())
	defer d.Shutdown()
	require.Nil(d.Migrate("widgets", widgetMigrations))

	boom := errors.New("boom")
	err := d.Run("insert", func() error {
		if _, err := d.Tx.Exec("INSERT INTO widgets (name) VALUES (?)", "a"); err != nil {
			return err
		}
		d.BeforeCommit(func() error { return boom })
		return nil
	})
	require.ErrorIs(err, boom)
}

func TestCallbacksMayStartNewTransactions(t *testing.T) {
	require := require.New(t)
	d := test.NewTestDatabase(test.NewConfig())
	defer d.Shutdown()
	require.Nil(d.Migrate("widgets", widgetMigrations))

	var count int
	require.Nil(d.Run("insert", func() error {
		if _, err := d.Tx.Exec("INSERT INTO widgets (name) VALUES (?)", "a"); err != nil {
			return err
		}
		d.AfterCommit(func() {
			_ = d.RunReadOnly("count", func() error {
				return d.Tx.Get(&count, "SELECT count(*) FROM widgets")
			})
		})
		return nil
	}))
	require.Equal(1, count)
}
