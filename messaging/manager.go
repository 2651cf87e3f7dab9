// Package messaging stores ciphertext rows, one per recipient device key, grouped into batches, and moves them
// through the delivery status machine.
//
// Manager methods run inside the caller's transaction (db.Run). Nothing here publishes; callers hand the
// returned batches and rows to the fanout publisher within the same transaction.
package messaging

import (
	"sort"

	"github.com/meow-io/go-sealed/clock"
	"github.com/meow-io/go-sealed/config"
	"github.com/meow-io/go-sealed/errs"
	"github.com/meow-io/go-sealed/internal/db"
	"github.com/meow-io/go-sealed/registry"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// SealedCopy is one envelope of a logical message, sealed for a single device key.
type SealedCopy struct {
	RecipientKeyID int64
	Ciphertext     []byte
}

// Batch is every row produced by one logical send or edit.
type Batch struct {
	ID             int64
	ConversationID int64
	SenderID       int64
	CreatedAtMs    uint64
	Rows           []*Row
}

// RowRef is the sender's view of a batch, enough to re-seal it for the same keys.
type RowRef struct {
	ID             int64
	RecipientKeyID int64
}

type PageRequest struct {
	ConversationID int64
	DeviceKeyID    int64
	BeforeID       int64
	Limit          int
}

type Page struct {
	Rows    []*Row
	HasMore bool
}

type Manager struct {
	log      *zap.SugaredLogger
	config   *config.Config
	clock    clock.Clock
	db       *database
	registry *registry.Registry
}

func NewManager(c *config.Config, d *db.Database, r *registry.Registry, clk clock.Clock) (*Manager, error) {
	md, err := newDatabase(d)
	if err != nil {
		return nil, err
	}
	return &Manager{
		log:      c.Logger("messaging/manager"),
		config:   c,
		clock:    clk,
		db:       md,
		registry: r,
	}, nil
}

// WriteBatch persists one row per copy under a freshly allocated batch id. Either every row is written or the
// surrounding transaction fails.
func (m *Manager) WriteBatch(conversationID, senderID int64, copies []SealedCopy) (*Batch, error) {
	if err := m.registry.RequireMember(conversationID, senderID); err != nil {
		return nil, err
	}
	senderKeys, err := m.registry.KeysForUser(senderID)
	if err != nil {
		return nil, err
	}
	if len(senderKeys) == 0 {
		return nil, errs.NoRecipientKeys("user %d has no registered device keys", senderID)
	}
	if len(copies) == 0 {
		return nil, errs.NoRecipientKeys("no sealed copies submitted for conversation %d", conversationID)
	}

	keys, err := m.registry.KeysForConversation(conversationID)
	if err != nil {
		return nil, err
	}
	expected := make(map[int64]*registry.DeviceKey, len(keys))
	for _, k := range keys {
		expected[k.ID] = k
	}
	seen := make(map[int64]struct{}, len(copies))
	for _, c := range copies {
		if len(c.Ciphertext) == 0 {
			return nil, errs.Validation("empty ciphertext for key %d", c.RecipientKeyID)
		}
		if _, ok := seen[c.RecipientKeyID]; ok {
			return nil, errs.Validation("key %d appears more than once", c.RecipientKeyID)
		}
		if _, ok := expected[c.RecipientKeyID]; !ok {
			return nil, errs.Validation("key %d does not belong to a member of conversation %d", c.RecipientKeyID, conversationID)
		}
		seen[c.RecipientKeyID] = struct{}{}
	}
	if len(seen) != len(expected) {
		missing := make([]int64, 0)
		for id := range expected {
			if _, ok := seen[id]; !ok {
				missing = append(missing, id)
			}
		}
		slices.Sort(missing)
		m.log.Warnf("batch for conversation %d is missing keys %v, likely registered after the sender resolved keys", conversationID, missing)
	}

	nowMs := m.clock.CurrentTimeMs()
	b := &batch{ConversationID: conversationID, SenderID: senderID, CreatedAtMs: nowMs}
	if err := m.db.insertBatch(b); err != nil {
		return nil, err
	}

	sorted := slices.Clone(copies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RecipientKeyID < sorted[j].RecipientKeyID })
	rows := make([]*Row, 0, len(sorted))
	for _, c := range sorted {
		r := &Row{
			ConversationID: conversationID,
			SenderID:       senderID,
			RecipientKeyID: c.RecipientKeyID,
			BatchID:        b.ID,
			Ciphertext:     c.Ciphertext,
			Status:         StatusSent,
			CreatedAtMs:    nowMs,
			UpdatedAtMs:    nowMs,
		}
		if err := m.db.insertRow(r); err != nil {
			return nil, err
		}
		rows = append(rows, r)
	}
	m.log.Infof("wrote batch id=%d conversation=%d sender=%d rows=%d", b.ID, conversationID, senderID, len(rows))
	return &Batch{
		ID:             b.ID,
		ConversationID: conversationID,
		SenderID:       senderID,
		CreatedAtMs:    nowMs,
		Rows:           rows,
	}, nil
}

// MarkDelivered moves the reader's sent rows to delivered. An empty rowIDs means every sent row in the
// conversation. Returns the rows that changed.
func (m *Manager) MarkDelivered(readerID, conversationID int64, rowIDs []int64) ([]*Row, error) {
	return m.advance(readerID, conversationID, rowIDs, StatusDelivered)
}

// MarkRead moves the reader's rows to read, batch-wide: row ids are first resolved to their batches. An empty
// rowIDs means every unread row in the conversation. Returns the rows that changed.
func (m *Manager) MarkRead(readerID, conversationID int64, rowIDs []int64) ([]*Row, error) {
	return m.advance(readerID, conversationID, rowIDs, StatusRead)
}

func (m *Manager) advance(readerID, conversationID int64, rowIDs []int64, target Status) ([]*Row, error) {
	if err := m.registry.RequireMember(conversationID, readerID); err != nil {
		return nil, err
	}

	var batchIDs []int64
	if len(rowIDs) != 0 {
		var err error
		batchIDs, err = m.resolveBatches(readerID, conversationID, rowIDs)
		if err != nil {
			return nil, err
		}
	}

	candidates, err := m.db.advanceCandidates(conversationID, readerID, batchIDs, target)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return []*Row{}, nil
	}

	nowMs := m.clock.CurrentTimeMs()
	ids := make([]int64, len(candidates))
	for i, r := range candidates {
		if !r.Status.CanAdvanceTo(target) {
			return nil, errs.New(errs.KindInternal, "row %d cannot move from %s to %s", r.ID, r.Status, target)
		}
		ids[i] = r.ID
		r.Status = target
		r.UpdatedAtMs = nowMs
	}
	if err := m.db.advanceRows(ids, target, nowMs); err != nil {
		return nil, err
	}
	m.log.Debugf("marked %d rows %s for reader=%d conversation=%d", len(ids), target, readerID, conversationID)
	return candidates, nil
}

func (m *Manager) resolveBatches(readerID, conversationID int64, rowIDs []int64) ([]int64, error) {
	unique := dedupe(rowIDs)
	rows, err := m.db.rowsByID(unique)
	if err != nil {
		return nil, err
	}
	if len(rows) != len(unique) {
		return nil, errs.NotFound("some of rows %v do not exist", unique)
	}
	batchSet := make(map[int64]struct{})
	for _, r := range rows {
		if r.ConversationID != conversationID {
			return nil, errs.NotFound("row %d is not in conversation %d", r.ID, conversationID)
		}
		if r.SenderID == readerID {
			return nil, errs.Authorization("user %d cannot acknowledge own row %d", readerID, r.ID)
		}
		batchSet[r.BatchID] = struct{}{}
	}
	batchIDs := maps.Keys(batchSet)
	slices.Sort(batchIDs)
	return batchIDs, nil
}

// EditBatch replaces the ciphertext of every row of the batch in place. The copies must cover exactly the keys
// the batch was sent to. Status is left as it is.
func (m *Manager) EditBatch(senderID, batchID int64, copies []SealedCopy) (*Batch, error) {
	b, err := m.db.batch(batchID)
	if err != nil {
		if notFound(err) {
			return nil, errs.NotFound("batch %d not found", batchID)
		}
		return nil, err
	}
	if b.SenderID != senderID {
		return nil, errs.Authorization("user %d cannot edit batch %d", senderID, batchID)
	}
	rows, err := m.db.rowsForBatch(batchID)
	if err != nil {
		return nil, err
	}
	byKey := make(map[int64]*Row, len(rows))
	for _, r := range rows {
		byKey[r.RecipientKeyID] = r
	}
	if len(copies) != len(rows) {
		return nil, errs.Validation("batch %d has %d rows, got %d copies", batchID, len(rows), len(copies))
	}
	seen := make(map[int64]struct{}, len(copies))
	for _, c := range copies {
		if len(c.Ciphertext) == 0 {
			return nil, errs.Validation("empty ciphertext for key %d", c.RecipientKeyID)
		}
		if _, ok := byKey[c.RecipientKeyID]; !ok {
			return nil, errs.Validation("batch %d has no row for key %d", batchID, c.RecipientKeyID)
		}
		if _, ok := seen[c.RecipientKeyID]; ok {
			return nil, errs.Validation("key %d appears more than once", c.RecipientKeyID)
		}
		seen[c.RecipientKeyID] = struct{}{}
	}

	nowMs := m.clock.CurrentTimeMs()
	for _, c := range copies {
		if err := m.db.updateCiphertext(batchID, c.RecipientKeyID, c.Ciphertext, nowMs); err != nil {
			return nil, err
		}
		r := byKey[c.RecipientKeyID]
		r.Ciphertext = c.Ciphertext
		r.UpdatedAtMs = nowMs
	}
	m.log.Infof("edited batch id=%d rows=%d", batchID, len(rows))
	return &Batch{
		ID:             b.ID,
		ConversationID: b.ConversationID,
		SenderID:       b.SenderID,
		CreatedAtMs:    b.CreatedAtMs,
		Rows:           rows,
	}, nil
}

// BatchRows is the sender-only listing of a batch's rows and their recipient keys.
func (m *Manager) BatchRows(senderID, batchID int64) ([]*RowRef, error) {
	b, err := m.db.batch(batchID)
	if err != nil {
		if notFound(err) {
			return nil, errs.NotFound("batch %d not found", batchID)
		}
		return nil, err
	}
	if b.SenderID != senderID {
		return nil, errs.Authorization("user %d did not send batch %d", senderID, batchID)
	}
	rows, err := m.db.rowsForBatch(batchID)
	if err != nil {
		return nil, err
	}
	refs := make([]*RowRef, len(rows))
	for i, r := range rows {
		refs[i] = &RowRef{ID: r.ID, RecipientKeyID: r.RecipientKeyID}
	}
	return refs, nil
}

// IsLatestBatch reports whether batchID is the newest batch of its conversation.
func (m *Manager) IsLatestBatch(conversationID, batchID int64) (bool, error) {
	latest, err := m.db.latestBatchID(conversationID)
	if err != nil {
		return false, err
	}
	return latest == batchID, nil
}

// LatestRowsFor returns the rows of the newest batch in the conversation addressed to userID's keys.
func (m *Manager) LatestRowsFor(conversationID, userID int64) ([]*Row, error) {
	latest, err := m.db.latestBatchID(conversationID)
	if err != nil {
		return nil, err
	}
	if latest == 0 {
		return []*Row{}, nil
	}
	return m.BatchRowsFor(latest, userID)
}

// BatchRowsFor returns the rows of batchID addressed to userID's keys.
func (m *Manager) BatchRowsFor(batchID, userID int64) ([]*Row, error) {
	return m.db.rowsForBatchAndOwner(batchID, userID)
}

// UnreadCount counts distinct batches, not rows, addressed to userID and not yet read.
func (m *Manager) UnreadCount(conversationID, userID int64) (int, error) {
	return m.db.unreadCount(conversationID, userID)
}

// Page returns up to Limit rows addressed to DeviceKeyID older than BeforeID, in ascending id order.
func (m *Manager) Page(callerID int64, req PageRequest) (*Page, error) {
	limit := req.Limit
	if limit < 0 {
		return nil, errs.Validation("limit must not be negative")
	}
	if req.BeforeID < 0 {
		return nil, errs.Validation("before id must not be negative")
	}
	if limit == 0 {
		limit = m.config.DefaultPageSize
	}
	if limit > m.config.MaxPageSize {
		limit = m.config.MaxPageSize
	}
	if err := m.registry.RequireMember(req.ConversationID, callerID); err != nil {
		return nil, err
	}
	keys, err := m.registry.KeysByID([]int64{req.DeviceKeyID})
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, errs.NotFound("device key %d not found", req.DeviceKeyID)
	}
	if keys[0].OwnerID != callerID {
		return nil, errs.Authorization("device key %d does not belong to user %d", req.DeviceKeyID, callerID)
	}

	rows, err := m.db.page(req.ConversationID, req.DeviceKeyID, req.BeforeID, limit+1)
	if err != nil {
		return nil, err
	}
	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return &Page{Rows: rows, HasMore: hasMore}, nil
}

func dedupe(ids []int64) []int64 {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	out := maps.Keys(set)
	slices.Sort(out)
	return out
}
