// Package txn implements the transaction manager: an operation log with
// savepoints, two-phase commit with compensation rollback, and commit-time
// duplicate-id / foreign-key validation.
package txn

import (
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mlindgren/docbase/index"
	"github.com/mlindgren/docbase/storage"
)

// State is a transaction's lifecycle stage. Only Active accepts operations.
type State int

const (
	Active State = iota
	Committed
	RolledBack
	Failed
)

func (s State) String() string {
	switch s {
	case Active:
		return "Active"
	case Committed:
		return "Committed"
	case RolledBack:
		return "RolledBack"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// OpType is the kind of operation recorded on a transaction.
type OpType int

const (
	OpInsert OpType = iota
	OpUpdate
	OpDelete
	OpCreateIndex
	OpDropIndex
)

// Operation is a single recorded step of a transaction, carrying enough
// state to apply and, on failure, compensate.
type Operation struct {
	ID            int
	Type          OpType
	Collection    string
	DocumentID    interface{}
	OriginalDoc   *storage.Document
	NewDoc        *storage.Document
	IndexName     string
	IndexFields   []string
	IndexUnique   bool
}

// EngineOps is the subset of Engine that apply/rollback needs. Defining it
// here (rather than importing the engine package) avoids a cyclic
// dependency: Engine holds a Manager/Transaction, not the other way round.
type EngineOps interface {
	InsertDocument(collection string, doc *storage.Document) (interface{}, error)
	UpdateDocument(collection string, doc *storage.Document) (int, error)
	DeleteDocument(collection string, id interface{}) (int, error)
	FindByID(collection string, id interface{}) (*storage.Document, error)
	Metadata(collection string) *storage.Document
}

// ArgumentError is returned for invalid savepoint ids.
var ArgumentError = errors.New("txn: invalid or released savepoint id")

// DuplicateKeysInTransaction is returned by Commit's validation phase.
var DuplicateKeysInTransaction = errors.New("Duplicate document IDs detected in transaction")

// ForeignKeyViolation is returned by Commit's validation phase.
var ForeignKeyViolation = errors.New("txn: foreign key violation")

// UnsupportedOperation is returned for an unknown operation type during apply/rollback.
var UnsupportedOperation = errors.New("txn: unsupported operation type")

// TransactionCommitError wraps the validation failure or the first apply
// failure encountered during commit.
type TransactionCommitError struct {
	Inner error
}

func (e *TransactionCommitError) Error() string {
	return fmt.Sprintf("Failed to commit transaction: %v", e.Inner)
}

func (e *TransactionCommitError) Unwrap() error { return e.Inner }

type savepoint struct {
	id       string
	name     string
	opCount  int
}

// Transaction accumulates operations and applies them atomically at Commit.
type Transaction struct {
	ID        uint64
	mu        sync.Mutex
	state     State
	createdAt time.Time

	operations []Operation
	nextOpID   int

	savepoints []savepoint // ordered; later entries were created more recently

	log *logrus.Entry
}

func newTransaction(id uint64) *Transaction {
	return &Transaction{
		ID:        id,
		state:     Active,
		createdAt: time.Now(),
		log:       logrus.WithField("component", "transaction").WithField("tx_id", id),
	}
}

// State returns the transaction's current lifecycle state.
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// CreatedAt returns when the transaction was opened.
func (tx *Transaction) CreatedAt() time.Time {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.createdAt
}

func (tx *Transaction) appendOp(op Operation) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != Active {
		return errors.Errorf("txn: transaction %d is not active (state: %s)", tx.ID, tx.state)
	}
	op.ID = tx.nextOpID
	tx.nextOpID++
	tx.operations = append(tx.operations, op)
	return nil
}

// Insert records an insert operation.
func (tx *Transaction) Insert(collection string, doc *storage.Document) error {
	id, _ := doc.ID()
	return tx.appendOp(Operation{Type: OpInsert, Collection: collection, DocumentID: id, NewDoc: doc})
}

// Update records an update operation; original is the pre-image for rollback.
func (tx *Transaction) Update(collection string, original, updated *storage.Document) error {
	id, _ := updated.ID()
	return tx.appendOp(Operation{
		Type: OpUpdate, Collection: collection,
		DocumentID: id, OriginalDoc: original, NewDoc: updated,
	})
}

// Delete records a delete operation; original is the pre-image for rollback.
func (tx *Transaction) Delete(collection string, id interface{}, original *storage.Document) error {
	return tx.appendOp(Operation{Type: OpDelete, Collection: collection, DocumentID: id, OriginalDoc: original})
}

// CreateIndex records an index-creation operation.
func (tx *Transaction) CreateIndex(collection, name string, fields []string, unique bool) error {
	return tx.appendOp(Operation{
		Type: OpCreateIndex, Collection: collection,
		IndexName: name, IndexFields: fields, IndexUnique: unique,
	})
}

// DropIndex records an index-drop operation.
func (tx *Transaction) DropIndex(collection, name string) error {
	return tx.appendOp(Operation{Type: OpDropIndex, Collection: collection, IndexName: name})
}

// Operations returns a snapshot of the recorded operation log, merged view
// helper for Engine.FindAll: inserts are yielded, updates override the
// stored version, deletes suppress rows.
func (tx *Transaction) Operations() []Operation {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	out := make([]Operation, len(tx.operations))
	copy(out, tx.operations)
	return out
}

// CreateSavepoint records the current operation count under a fresh id.
func (tx *Transaction) CreateSavepoint(name string) (string, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != Active {
		return "", errors.Errorf("txn: transaction %d is not active", tx.ID)
	}
	id := uuid.NewString()
	tx.savepoints = append(tx.savepoints, savepoint{id: id, name: name, opCount: len(tx.operations)})
	return id, nil
}

func (tx *Transaction) findSavepointLocked(id string) (int, bool) {
	for i, sp := range tx.savepoints {
		if sp.id == id {
			return i, true
		}
	}
	return 0, false
}

// RollbackToSavepoint truncates the operation log back to the point the
// savepoint was created, discarding every later savepoint too.
func (tx *Transaction) RollbackToSavepoint(id string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	idx, ok := tx.findSavepointLocked(id)
	if !ok {
		return ArgumentError
	}
	sp := tx.savepoints[idx]
	tx.operations = tx.operations[:sp.opCount]
	tx.savepoints = tx.savepoints[:idx]
	return nil
}

// ReleaseSavepoint drops a savepoint without affecting the operation log.
func (tx *Transaction) ReleaseSavepoint(id string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	idx, ok := tx.findSavepointLocked(id)
	if !ok {
		return ArgumentError
	}
	tx.savepoints = append(tx.savepoints[:idx], tx.savepoints[idx+1:]...)
	return nil
}

// ---------- validation ----------

func (tx *Transaction) validateDuplicateInserts() error {
	seen := make(map[string]map[string]bool) // collection -> idKey -> true
	for _, op := range tx.operations {
		if op.Type != OpInsert {
			continue
		}
		key, err := storage.IDKey(op.DocumentID)
		if err != nil {
			continue // null/unresolvable ids are tolerated, not a duplicate
		}
		if seen[op.Collection] == nil {
			seen[op.Collection] = make(map[string]bool)
		}
		if seen[op.Collection][key] {
			return DuplicateKeysInTransaction
		}
		seen[op.Collection][key] = true
	}
	return nil
}

// fkFieldNames returns the declared name followed by its camelCase variant
// (first character lowercased), stopping there per the resolved ambiguity
// in foreign-key field lookup.
func fkFieldNames(declared string) []string {
	if declared == "" {
		return nil
	}
	r, size := utf8.DecodeRuneInString(declared)
	lower := string(unicode.ToLower(r)) + declared[size:]
	if lower == declared {
		return []string{declared}
	}
	return []string{declared, lower}
}

func (tx *Transaction) validateForeignKeys(ops EngineOps) error {
	for _, op := range tx.operations {
		if op.Type != OpInsert {
			continue
		}
		meta := ops.Metadata(op.Collection)
		if meta == nil {
			continue
		}
		props, ok := meta.Get("properties")
		if !ok {
			continue
		}
		propDocs, ok := props.([]interface{})
		if !ok {
			continue
		}
		for _, raw := range propDocs {
			propDoc, ok := raw.(*storage.Document)
			if !ok {
				continue
			}
			fkCollRaw, ok := propDoc.Get("foreign_key_collection")
			if !ok {
				continue
			}
			fkColl, _ := fkCollRaw.(string)
			if fkColl == "" {
				continue
			}
			nameRaw, _ := propDoc.Get("name")
			propName, _ := nameRaw.(string)
			if propName == "" {
				continue
			}
			var refValue interface{}
			var found bool
			for _, candidate := range fkFieldNames(propName) {
				if v, ok := op.NewDoc.Get(candidate); ok {
					refValue, found = v, true
					break
				}
			}
			if !found || refValue == nil {
				continue // null FK values are always allowed
			}
			if _, err := ops.FindByID(fkColl, refValue); err != nil {
				return errors.Wrapf(ForeignKeyViolation, "%s.%s -> %s", op.Collection, propName, fkColl)
			}
		}
	}
	return nil
}

// ---------- apply / rollback ----------

func applySingle(ops EngineOps, idxMgr *index.Manager, op Operation) error {
	switch op.Type {
	case OpInsert:
		_, err := ops.InsertDocument(op.Collection, op.NewDoc)
		return err
	case OpUpdate:
		_, err := ops.UpdateDocument(op.Collection, op.NewDoc)
		return err
	case OpDelete:
		_, err := ops.DeleteDocument(op.Collection, op.DocumentID)
		return err
	case OpCreateIndex:
		_, err := idxMgr.CreateIndex(op.Collection, op.IndexName, op.IndexFields, op.IndexUnique)
		return err
	case OpDropIndex:
		return idxMgr.DropIndex(op.Collection, op.IndexName)
	default:
		return errors.Wrapf(UnsupportedOperation, "type %d", op.Type)
	}
}

func rollbackSingle(ops EngineOps, idxMgr *index.Manager, op Operation) error {
	switch op.Type {
	case OpInsert:
		_, err := ops.DeleteDocument(op.Collection, op.DocumentID)
		return err
	case OpUpdate:
		_, err := ops.UpdateDocument(op.Collection, op.OriginalDoc)
		return err
	case OpDelete:
		if op.OriginalDoc == nil {
			// The deleted document never had a materialized pre-image (it
			// was deleted before ever being committed within this same
			// transaction); there is nothing to re-insert.
			return nil
		}
		_, err := ops.InsertDocument(op.Collection, op.OriginalDoc)
		return err
	case OpCreateIndex:
		return idxMgr.DropIndex(op.Collection, op.IndexName)
	case OpDropIndex:
		_, err := idxMgr.CreateIndex(op.Collection, op.IndexName, op.IndexFields, op.IndexUnique)
		return err
	default:
		return errors.Wrapf(UnsupportedOperation, "type %d", op.Type)
	}
}

// Commit validates, then applies operations in order. On the first apply
// failure it compensates the already-applied prefix in reverse, swallowing
// compensation errors, and transitions to Failed. On full success it
// transitions to Committed.
func (tx *Transaction) Commit(ops EngineOps, idxMgr *index.Manager) error {
	tx.mu.Lock()
	if tx.state != Active {
		tx.mu.Unlock()
		return errors.Errorf("txn: transaction %d is not active (state: %s)", tx.ID, tx.state)
	}
	operations := make([]Operation, len(tx.operations))
	copy(operations, tx.operations)
	tx.mu.Unlock()

	if err := tx.validateDuplicateInserts(); err != nil {
		tx.mu.Lock()
		tx.state = Failed
		tx.mu.Unlock()
		return &TransactionCommitError{Inner: err}
	}
	if err := tx.validateForeignKeys(ops); err != nil {
		tx.mu.Lock()
		tx.state = Failed
		tx.mu.Unlock()
		return &TransactionCommitError{Inner: err}
	}

	applied := 0
	var applyErr error
	for i, op := range operations {
		if err := applySingle(ops, idxMgr, op); err != nil {
			applyErr = err
			applied = i
			break
		}
		applied = i + 1
	}

	if applyErr != nil {
		for i := applied - 1; i >= 0; i-- {
			if err := rollbackSingle(ops, idxMgr, operations[i]); err != nil {
				tx.log.WithError(err).Warn("compensation step failed, continuing")
			}
		}
		tx.mu.Lock()
		tx.state = Failed
		tx.mu.Unlock()
		return &TransactionCommitError{Inner: applyErr}
	}

	tx.mu.Lock()
	tx.state = Committed
	tx.mu.Unlock()
	return nil
}

// Rollback applies rollbackSingle to every recorded operation in reverse,
// swallowing individual failures, and transitions to RolledBack. Permitted
// from Active or Failed.
func (tx *Transaction) Rollback(ops EngineOps, idxMgr *index.Manager) error {
	tx.mu.Lock()
	if tx.state != Active && tx.state != Failed {
		state := tx.state
		tx.mu.Unlock()
		return errors.Errorf("txn: cannot roll back transaction %d in state %s", tx.ID, state)
	}
	operations := make([]Operation, len(tx.operations))
	copy(operations, tx.operations)
	tx.mu.Unlock()

	for i := len(operations) - 1; i >= 0; i-- {
		if err := rollbackSingle(ops, idxMgr, operations[i]); err != nil {
			tx.log.WithError(err).Warn("rollback step failed, continuing")
		}
	}

	tx.mu.Lock()
	tx.state = RolledBack
	tx.mu.Unlock()
	return nil
}

// Dispose auto-rolls-back an Active transaction silently; failures are swallowed.
func (tx *Transaction) Dispose(ops EngineOps, idxMgr *index.Manager) {
	if tx.State() != Active {
		return
	}
	_ = tx.Rollback(ops, idxMgr)
}

// ---------- TransactionManager ----------

// Statistics summarizes the manager's lifetime and current activity.
type Statistics struct {
	ActiveCount    int
	CommittedCount uint64
	RolledBackCount uint64
	FailedCount    uint64
}

// Manager owns the set of active transactions, enforces a maximum
// concurrent count, and periodically fails transactions older than a
// configured timeout.
type Manager struct {
	mu               sync.Mutex
	transactions     map[uint64]*Transaction
	nextID           uint64
	maxActive        int
	timeout          time.Duration
	committed        uint64
	rolledBack       uint64
	failed           uint64

	stop chan struct{}
	wg   sync.WaitGroup
	log  *logrus.Entry
}

// NewManager creates a transaction manager. maxActive <= 0 means unlimited;
// timeout <= 0 disables the periodic timeout sweep.
func NewManager(maxActive int, timeout time.Duration, sweepInterval time.Duration) *Manager {
	m := &Manager{
		transactions: make(map[uint64]*Transaction),
		nextID:       1,
		maxActive:    maxActive,
		timeout:      timeout,
		stop:         make(chan struct{}),
		log:          logrus.WithField("component", "transaction_manager"),
	}
	if timeout > 0 {
		if sweepInterval <= 0 {
			sweepInterval = timeout / 4
			if sweepInterval <= 0 {
				sweepInterval = time.Second
			}
		}
		m.wg.Add(1)
		go m.sweepLoop(sweepInterval)
	}
	return m
}

// Close stops the periodic sweep and joins it deterministically, then marks
// every still-active transaction Failed and deregisters it.
func (m *Manager) Close() {
	close(m.stop)
	m.wg.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, tx := range m.transactions {
		tx.mu.Lock()
		if tx.state == Active {
			tx.state = Failed
			m.failed++
		}
		tx.mu.Unlock()
		delete(m.transactions, id)
	}
}

func (m *Manager) sweepLoop(interval time.Duration) {
	defer m.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.sweepExpired()
		}
	}
}

func (m *Manager) sweepExpired() {
	m.mu.Lock()
	var expired []*Transaction
	for _, tx := range m.transactions {
		if tx.State() == Active && time.Since(tx.CreatedAt()) > m.timeout {
			expired = append(expired, tx)
		}
	}
	m.mu.Unlock()

	for _, tx := range expired {
		tx.mu.Lock()
		tx.state = Failed
		tx.mu.Unlock()
		m.mu.Lock()
		m.failed++
		delete(m.transactions, tx.ID)
		m.mu.Unlock()
		m.log.WithField("tx_id", tx.ID).Warn("transaction timed out and was marked Failed")
	}
}

// InvalidOperationException is returned by Begin when max_active_transactions is exceeded.
var InvalidOperationException = errors.New("txn: maximum number of active transactions exceeded")

// Begin starts and registers a new active transaction.
func (m *Manager) Begin() (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxActive > 0 && len(m.transactions) >= m.maxActive {
		return nil, InvalidOperationException
	}
	tx := newTransaction(m.nextID)
	m.nextID++
	m.transactions[tx.ID] = tx
	return tx, nil
}

// Commit finalizes and deregisters a transaction.
func (m *Manager) Commit(tx *Transaction, ops EngineOps, idxMgr *index.Manager) error {
	err := tx.Commit(ops, idxMgr)
	m.mu.Lock()
	if err == nil {
		m.committed++
	} else {
		m.failed++
	}
	delete(m.transactions, tx.ID)
	m.mu.Unlock()
	return err
}

// Rollback rolls back and deregisters a transaction.
func (m *Manager) Rollback(tx *Transaction, ops EngineOps, idxMgr *index.Manager) error {
	err := tx.Rollback(ops, idxMgr)
	m.mu.Lock()
	m.rolledBack++
	delete(m.transactions, tx.ID)
	m.mu.Unlock()
	return err
}

// GetStatistics returns a point-in-time snapshot of manager activity.
func (m *Manager) GetStatistics() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Statistics{
		ActiveCount:     len(m.transactions),
		CommittedCount:  m.committed,
		RolledBackCount: m.rolledBack,
		FailedCount:     m.failed,
	}
}

// ActiveTransactionIDs returns the ids of all currently active transactions,
// sorted ascending (used by tests and diagnostics).
func (m *Manager) ActiveTransactionIDs() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint64, 0, len(m.transactions))
	for id := range m.transactions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
