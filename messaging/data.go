package messaging

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-sealed/internal/db"
	"github.com/meow-io/go-sealed/migration"
)

// Row is one physical ciphertext record addressed to a single device key.
type Row struct {
	ID             int64  `db:"id"`
	ConversationID int64  `db:"conversation_id"`
	SenderID       int64  `db:"sender_id"`
	RecipientKeyID int64  `db:"recipient_key_id"`
	BatchID        int64  `db:"batch_id"`
	Ciphertext     []byte `db:"ciphertext"`
	Status         Status `db:"status"`
	CreatedAtMs    uint64 `db:"created_at_ms"`
	UpdatedAtMs    uint64 `db:"updated_at_ms"`
}

type batch struct {
	ID             int64  `db:"id"`
	ConversationID int64  `db:"conversation_id"`
	SenderID       int64  `db:"sender_id"`
	CreatedAtMs    uint64 `db:"created_at_ms"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.Migrate("_messaging", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _batches (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						conversation_id INTEGER NOT NULL,
						sender_id INTEGER NOT NULL,
						created_at_ms INTEGER NOT NULL,
						FOREIGN KEY(conversation_id) REFERENCES conversations(id),
						FOREIGN KEY(sender_id) REFERENCES users(id)
					);
					CREATE INDEX batches_conversation_id on _batches (conversation_id, id);

					CREATE TABLE rows (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						conversation_id INTEGER NOT NULL,
						sender_id INTEGER NOT NULL,
						recipient_key_id INTEGER NOT NULL,
						batch_id INTEGER NOT NULL,
						ciphertext BLOB NOT NULL,
						status INTEGER NOT NULL,
						created_at_ms INTEGER NOT NULL,
						updated_at_ms INTEGER NOT NULL,
						FOREIGN KEY(conversation_id) REFERENCES conversations(id),
						FOREIGN KEY(sender_id) REFERENCES users(id),
						FOREIGN KEY(recipient_key_id) REFERENCES device_keys(id),
						FOREIGN KEY(batch_id) REFERENCES _batches(id)
					);
					CREATE UNIQUE INDEX rows_batch_recipient on rows (batch_id, recipient_key_id);
					CREATE INDEX rows_conversation_recipient on rows (conversation_id, recipient_key_id, id);
					CREATE INDEX rows_conversation_status on rows (conversation_id, status);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("messaging: error migrating: %w", err)
	}
	return d, nil
}

func notFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func (db *database) insertBatch(b *batch) error {
	res, err := db.Tx.NamedExec("INSERT INTO _batches (conversation_id, sender_id, created_at_ms) VALUES (:conversation_id, :sender_id, :created_at_ms)", b)
	if err != nil {
		return fmt.Errorf("messaging: error inserting batch: %w", err)
	}
	b.ID, err = res.LastInsertId()
	return err
}

func (db *database) batch(id int64) (*batch, error) {
	b := &batch{}
	if err := db.Tx.Get(b, "SELECT * FROM _batches WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("messaging: error getting batch %d: %w", id, err)
	}
	return b, nil
}

func (db *database) latestBatchID(conversationID int64) (int64, error) {
	var id sql.NullInt64
	if err := db.Tx.Get(&id, "SELECT max(id) FROM _batches WHERE conversation_id = $1", conversationID); err != nil {
		return 0, fmt.Errorf("messaging: error getting latest batch for %d: %w", conversationID, err)
	}
	return id.Int64, nil
}

func (db *database) insertRow(r *Row) error {
	res, err := db.Tx.NamedExec("INSERT INTO rows (conversation_id, sender_id, recipient_key_id, batch_id, ciphertext, status, created_at_ms, updated_at_ms) VALUES (:conversation_id, :sender_id, :recipient_key_id, :batch_id, :ciphertext, :status, :created_at_ms, :updated_at_ms)", r)
	if err != nil {
		return fmt.Errorf("messaging: error inserting row: %w", err)
	}
	r.ID, err = res.LastInsertId()
	return err
}

func (db *database) rowsByID(ids []int64) ([]*Row, error) {
	if len(ids) == 0 {
		return []*Row{}, nil
	}
	query, args, err := sqlx.In("SELECT * FROM rows WHERE id IN (?) ORDER BY id", ids)
	if err != nil {
		return nil, err
	}
	var rows []*Row
	if err := db.Tx.Select(&rows, db.Tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("messaging: error getting rows by id: %w", err)
	}
	return rows, nil
}

func (db *database) rowsForBatch(batchID int64) ([]*Row, error) {
	var rows []*Row
	if err := db.Tx.Select(&rows, "SELECT * FROM rows WHERE batch_id = $1 ORDER BY id", batchID); err != nil {
		return nil, fmt.Errorf("messaging: error getting rows for batch %d: %w", batchID, err)
	}
	return rows, nil
}

func (db *database) rowsForBatchAndOwner(batchID, ownerID int64) ([]*Row, error) {
	var rows []*Row
	if err := db.Tx.Select(&rows, `
		SELECT rows.* FROM rows
		INNER JOIN device_keys ON device_keys.id = rows.recipient_key_id
		WHERE rows.batch_id = $1 AND device_keys.owner_id = $2
		ORDER BY rows.id`, batchID, ownerID); err != nil {
		return nil, fmt.Errorf("messaging: error getting rows for batch %d and owner %d: %w", batchID, ownerID, err)
	}
	return rows, nil
}

// advanceCandidates returns the rows addressed to reader's keys, not authored by reader, below target. When
// batchIDs is nil every batch of the conversation is considered.
func (db *database) advanceCandidates(conversationID, readerID int64, batchIDs []int64, target Status) ([]*Row, error) {
	query := `
		SELECT rows.* FROM rows
		INNER JOIN device_keys ON device_keys.id = rows.recipient_key_id
		WHERE rows.conversation_id = ? AND device_keys.owner_id = ? AND rows.sender_id != ? AND rows.status < ?`
	args := []interface{}{conversationID, readerID, readerID, target}
	if batchIDs != nil {
		if len(batchIDs) == 0 {
			return []*Row{}, nil
		}
		query += " AND rows.batch_id IN (?)"
		args = append(args, batchIDs)
	}
	query += " ORDER BY rows.id"
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}
	var rows []*Row
	if err := db.Tx.Select(&rows, db.Tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("messaging: error getting rows to advance: %w", err)
	}
	return rows, nil
}

// advanceRows moves the given rows to target, never backwards.
func (db *database) advanceRows(ids []int64, target Status, nowMs uint64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In("UPDATE rows SET status = ?, updated_at_ms = ? WHERE id IN (?) AND status < ?", target, nowMs, ids, target)
	if err != nil {
		return err
	}
	if _, err := db.Tx.Exec(db.Tx.Rebind(query), args...); err != nil {
		return fmt.Errorf("messaging: error advancing rows to %s: %w", target, err)
	}
	return nil
}

func (db *database) updateCiphertext(batchID, recipientKeyID int64, ciphertext []byte, nowMs uint64) error {
	res, err := db.Tx.Exec("UPDATE rows SET ciphertext = $1, updated_at_ms = $2 WHERE batch_id = $3 AND recipient_key_id = $4", ciphertext, nowMs, batchID, recipientKeyID)
	if err != nil {
		return fmt.Errorf("messaging: error updating ciphertext: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("messaging: expected to update 1 row for batch %d key %d, updated %d", batchID, recipientKeyID, n)
	}
	return nil
}

func (db *database) page(conversationID, recipientKeyID, beforeID int64, limit int) ([]*Row, error) {
	var rows []*Row
	var err error
	if beforeID == 0 {
		err = db.Tx.Select(&rows, "SELECT * FROM rows WHERE conversation_id = $1 AND recipient_key_id = $2 ORDER BY id DESC LIMIT $3", conversationID, recipientKeyID, limit)
	} else {
		err = db.Tx.Select(&rows, "SELECT * FROM rows WHERE conversation_id = $1 AND recipient_key_id = $2 AND id < $3 ORDER BY id DESC LIMIT $4", conversationID, recipientKeyID, beforeID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("messaging: error paging conversation %d: %w", conversationID, err)
	}
	return rows, nil
}

func (db *database) unreadCount(conversationID, userID int64) (int, error) {
	var count int
	if err := db.Tx.Get(&count, `
		SELECT count(DISTINCT rows.batch_id) FROM rows
		INNER JOIN device_keys ON device_keys.id = rows.recipient_key_id
		WHERE rows.conversation_id = $1 AND device_keys.owner_id = $2 AND rows.sender_id != $2 AND rows.status < $3`,
		conversationID, userID, StatusRead); err != nil {
		return 0, fmt.Errorf("messaging: error counting unread for %d in %d: %w", userID, conversationID, err)
	}
	return count, nil
}
