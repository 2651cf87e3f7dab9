package registry

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/meow-io/go-sealed/internal/db"
	"github.com/meow-io/go-sealed/migration"
)

const KindPairwise = "pairwise"

type User struct {
	ID          int64  `db:"id"`
	Name        string `db:"name"`
	CreatedAtMs uint64 `db:"created_at_ms"`
}

type DeviceKey struct {
	ID          int64  `db:"id"`
	OwnerID     int64  `db:"owner_id"`
	PublicKey   []byte `db:"public_key"`
	Fingerprint string `db:"fingerprint"`
	CreatedAtMs uint64 `db:"created_at_ms"`
}

type Conversation struct {
	ID          int64  `db:"id"`
	Kind        string `db:"kind"`
	PairKey     string `db:"pair_key"`
	CreatedAtMs uint64 `db:"created_at_ms"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.Migrate("_registry", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE users (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						name TEXT NOT NULL UNIQUE,
						created_at_ms INTEGER NOT NULL
					);

					CREATE TABLE device_keys (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						owner_id INTEGER NOT NULL,
						public_key BLOB NOT NULL,
						fingerprint TEXT NOT NULL,
						created_at_ms INTEGER NOT NULL,
						FOREIGN KEY(owner_id) REFERENCES users(id)
					);
					CREATE UNIQUE INDEX device_keys_owner_public_key on device_keys (owner_id, public_key);
					CREATE INDEX device_keys_fingerprint on device_keys (fingerprint);

					CREATE TABLE conversations (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						kind TEXT NOT NULL,
						pair_key TEXT NOT NULL UNIQUE,
						created_at_ms INTEGER NOT NULL
					);

					CREATE TABLE conversation_members (
						conversation_id INTEGER NOT NULL,
						user_id INTEGER NOT NULL,
						PRIMARY KEY(conversation_id, user_id),
						FOREIGN KEY(conversation_id) REFERENCES conversations(id),
						FOREIGN KEY(user_id) REFERENCES users(id)
					);
					CREATE INDEX conversation_members_user_id on conversation_members (user_id);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("registry: error migrating: %w", err)
	}
	return d, nil
}

func notFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func (db *database) insertUser(u *User) error {
	res, err := db.Tx.NamedExec("INSERT INTO users (name, created_at_ms) VALUES (:name, :created_at_ms)", u)
	if err != nil {
		return fmt.Errorf("registry: error inserting user: %w", err)
	}
	u.ID, err = res.LastInsertId()
	return err
}

func (db *database) user(id int64) (*User, error) {
	u := &User{}
	if err := db.Tx.Get(u, "SELECT * FROM users WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("registry: error getting user %d: %w", id, err)
	}
	return u, nil
}

func (db *database) userByName(name string) (*User, error) {
	u := &User{}
	if err := db.Tx.Get(u, "SELECT * FROM users WHERE name = $1", name); err != nil {
		return nil, fmt.Errorf("registry: error getting user %s: %w", name, err)
	}
	return u, nil
}

func (db *database) insertDeviceKey(k *DeviceKey) error {
	res, err := db.Tx.NamedExec("INSERT INTO device_keys (owner_id, public_key, fingerprint, created_at_ms) VALUES (:owner_id, :public_key, :fingerprint, :created_at_ms)", k)
	if err != nil {
		return fmt.Errorf("registry: error inserting device key: %w", err)
	}
	k.ID, err = res.LastInsertId()
	return err
}

func (db *database) deviceKey(ownerID int64, publicKey []byte) (*DeviceKey, error) {
	k := &DeviceKey{}
	if err := db.Tx.Get(k, "SELECT * FROM device_keys WHERE owner_id = $1 AND public_key = $2", ownerID, publicKey); err != nil {
		return nil, fmt.Errorf("registry: error getting device key: %w", err)
	}
	return k, nil
}

func (db *database) deviceKeysForUser(ownerID int64) ([]*DeviceKey, error) {
	var keys []*DeviceKey
	if err := db.Tx.Select(&keys, "SELECT * FROM device_keys WHERE owner_id = $1 ORDER BY id", ownerID); err != nil {
		return nil, fmt.Errorf("registry: error getting device keys for %d: %w", ownerID, err)
	}
	return keys, nil
}

func (db *database) deviceKeysByID(ids []int64) ([]*DeviceKey, error) {
	if len(ids) == 0 {
		return []*DeviceKey{}, nil
	}
	query, args, err := sqlx.In("SELECT * FROM device_keys WHERE id IN (?) ORDER BY id", ids)
	if err != nil {
		return nil, err
	}
	var keys []*DeviceKey
	if err := db.Tx.Select(&keys, db.Tx.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("registry: error getting device keys by id: %w", err)
	}
	return keys, nil
}

func (db *database) deviceKeysForConversation(conversationID int64) ([]*DeviceKey, error) {
	var keys []*DeviceKey
	if err := db.Tx.Select(&keys, `
		SELECT DISTINCT device_keys.* FROM device_keys
		INNER JOIN conversation_members ON conversation_members.user_id = device_keys.owner_id
		WHERE conversation_members.conversation_id = $1
		ORDER BY device_keys.id`, conversationID); err != nil {
		return nil, fmt.Errorf("registry: error getting device keys for conversation %d: %w", conversationID, err)
	}
	return keys, nil
}

func (db *database) insertConversation(c *Conversation) error {
	res, err := db.Tx.NamedExec("INSERT INTO conversations (kind, pair_key, created_at_ms) VALUES (:kind, :pair_key, :created_at_ms)", c)
	if err != nil {
		return fmt.Errorf("registry: error inserting conversation: %w", err)
	}
	c.ID, err = res.LastInsertId()
	return err
}

func (db *database) conversation(id int64) (*Conversation, error) {
	c := &Conversation{}
	if err := db.Tx.Get(c, "SELECT * FROM conversations WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("registry: error getting conversation %d: %w", id, err)
	}
	return c, nil
}

func (db *database) conversationByPairKey(pairKey string) (*Conversation, error) {
	c := &Conversation{}
	if err := db.Tx.Get(c, "SELECT * FROM conversations WHERE pair_key = $1", pairKey); err != nil {
		return nil, fmt.Errorf("registry: error getting conversation %s: %w", pairKey, err)
	}
	return c, nil
}

func (db *database) conversationsForUser(userID int64) ([]*Conversation, error) {
	var cs []*Conversation
	if err := db.Tx.Select(&cs, `
		SELECT conversations.* FROM conversations
		INNER JOIN conversation_members ON conversation_members.conversation_id = conversations.id
		WHERE conversation_members.user_id = $1
		ORDER BY conversations.id`, userID); err != nil {
		return nil, fmt.Errorf("registry: error getting conversations for %d: %w", userID, err)
	}
	return cs, nil
}

func (db *database) insertMember(conversationID, userID int64) error {
	if _, err := db.Tx.Exec("INSERT INTO conversation_members (conversation_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING", conversationID, userID); err != nil {
		return fmt.Errorf("registry: error inserting member: %w", err)
	}
	return nil
}

func (db *database) members(conversationID int64) ([]int64, error) {
	var userIDs []int64
	if err := db.Tx.Select(&userIDs, "SELECT user_id FROM conversation_members WHERE conversation_id = $1 ORDER BY user_id", conversationID); err != nil {
		return nil, fmt.Errorf("registry: error getting members of %d: %w", conversationID, err)
	}
	return userIDs, nil
}

func (db *database) isMember(conversationID, userID int64) (bool, error) {
	var count int
	if err := db.Tx.Get(&count, "SELECT count(*) FROM conversation_members WHERE conversation_id = $1 AND user_id = $2", conversationID, userID); err != nil {
		return false, fmt.Errorf("registry: error checking membership: %w", err)
	}
	return count != 0, nil
}
