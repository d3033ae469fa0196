package engine

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlindgren/docbase/storage"
)

func tempEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	f, err := os.CreateTemp("", "docbase_engine_*.db")
	require.NoError(t, err)
	path := f.Name()
	f.Close()
	os.Remove(path)
	t.Cleanup(func() { os.Remove(path) })

	e, err := Open(path, opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func docWithID(id interface{}, fields map[string]interface{}) *storage.Document {
	doc := storage.NewDocument()
	doc.SetID(id)
	for k, v := range fields {
		doc.Set(k, v)
	}
	return doc
}

func TestEngineInsertAndFindByID(t *testing.T) {
	e := tempEngine(t, Default())

	doc := docWithID(int64(1), map[string]interface{}{"name": "widget"})
	_, err := e.Insert("parts", doc, nil)
	require.NoError(t, err)

	got, err := e.FindByID("parts", int64(1))
	require.NoError(t, err)
	name, _ := got.Get("name")
	assert.Equal(t, "widget", name)
}

func TestEngineInsertDuplicateIDRejected(t *testing.T) {
	e := tempEngine(t, Default())

	doc1 := docWithID(int64(1), map[string]interface{}{"name": "widget"})
	_, err := e.Insert("parts", doc1, nil)
	require.NoError(t, err)

	doc2 := docWithID(int64(1), map[string]interface{}{"name": "other"})
	_, err = e.Insert("parts", doc2, nil)
	assert.Error(t, err, "expected duplicate key error")
}

func TestEngineUpdateDocument(t *testing.T) {
	e := tempEngine(t, Default())

	doc := docWithID(int64(1), map[string]interface{}{"name": "widget", "qty": int64(1)})
	_, err := e.Insert("parts", doc, nil)
	require.NoError(t, err)

	updated := docWithID(int64(1), map[string]interface{}{"name": "widget", "qty": int64(2)})
	n, err := e.Update("parts", doc, updated, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := e.FindByID("parts", int64(1))
	require.NoError(t, err)
	qty, _ := got.Get("qty")
	assert.Equal(t, int64(2), qty)
}

func TestEngineUpdateGrowsDocument(t *testing.T) {
	e := tempEngine(t, Default())

	doc := docWithID(int64(1), map[string]interface{}{"blob": "x"})
	_, err := e.Insert("parts", doc, nil)
	require.NoError(t, err)

	big := make([]byte, 2000)
	for i := range big {
		big[i] = 'y'
	}
	updated := docWithID(int64(1), map[string]interface{}{"blob": string(big)})
	_, err = e.Update("parts", doc, updated, nil)
	require.NoError(t, err)

	got, err := e.FindByID("parts", int64(1))
	require.NoError(t, err)
	blob, _ := got.Get("blob")
	assert.Equal(t, string(big), blob, "expected grown document to round-trip")
}

func TestEngineDeleteDocument(t *testing.T) {
	e := tempEngine(t, Default())

	doc := docWithID(int64(1), map[string]interface{}{"name": "widget"})
	_, err := e.Insert("parts", doc, nil)
	require.NoError(t, err)

	n, err := e.Delete("parts", int64(1), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = e.FindByID("parts", int64(1))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngineInsertDocumentsAggregatesFailures(t *testing.T) {
	e := tempEngine(t, Default())

	docs := []*storage.Document{
		docWithID(int64(1), map[string]interface{}{"name": "a"}),
		docWithID(int64(1), map[string]interface{}{"name": "dup"}),
		docWithID(int64(2), map[string]interface{}{"name": "b"}),
	}
	count, err := e.InsertDocuments("parts", docs)
	assert.Equal(t, 2, count, "expected 2 successful inserts")
	require.Error(t, err, "expected an aggregate error for the duplicate")

	agg, ok := err.(*AggregateError)
	require.True(t, ok, "expected an AggregateError, got %T", err)
	assert.Len(t, agg.Errors, 1)
}

func TestEngineTransactionCommitAppliesAll(t *testing.T) {
	e := tempEngine(t, Default())

	tx, err := e.BeginTransaction()
	require.NoError(t, err)
	doc1 := docWithID(int64(1), map[string]interface{}{"name": "a"})
	doc2 := docWithID(int64(2), map[string]interface{}{"name": "b"})
	_, err = e.Insert("parts", doc1, tx)
	require.NoError(t, err)
	_, err = e.Insert("parts", doc2, tx)
	require.NoError(t, err)

	require.NoError(t, e.CommitTransaction(tx))

	_, err = e.FindByID("parts", int64(1))
	assert.NoError(t, err, "expected doc 1 present after commit")
	_, err = e.FindByID("parts", int64(2))
	assert.NoError(t, err, "expected doc 2 present after commit")
}

// TestEngineTransactionRollbackUndoesEverything mirrors the scenario where a
// transaction updates and inserts documents, then is rolled back explicitly:
// none of the operations should be visible afterward.
func TestEngineTransactionRollbackUndoesEverything(t *testing.T) {
	e := tempEngine(t, Default())

	existing := docWithID(int64(1), map[string]interface{}{"name": "original"})
	_, err := e.Insert("parts", existing, nil)
	require.NoError(t, err)

	tx, err := e.BeginTransaction()
	require.NoError(t, err)
	updated := docWithID(int64(1), map[string]interface{}{"name": "changed"})
	_, err = e.Update("parts", existing, updated, tx)
	require.NoError(t, err)
	newDoc := docWithID(int64(2), map[string]interface{}{"name": "new"})
	_, err = e.Insert("parts", newDoc, tx)
	require.NoError(t, err)

	require.NoError(t, e.RollbackTransaction(tx))

	got, err := e.FindByID("parts", int64(1))
	require.NoError(t, err)
	name, _ := got.Get("name")
	assert.Equal(t, "original", name, "expected original value restored")

	_, err = e.FindByID("parts", int64(2))
	assert.ErrorIs(t, err, ErrNotFound, "expected inserted-then-rolled-back document to be absent")
}

// TestEngineTransactionRollbackAfterDeletingUncommittedInsert exercises a
// delete whose target was never materialized (only recorded, not applied,
// by an earlier op in the same transaction): rollback must not try to
// resurrect a pre-image that never existed.
func TestEngineTransactionRollbackAfterDeletingUncommittedInsert(t *testing.T) {
	e := tempEngine(t, Default())

	tx, err := e.BeginTransaction()
	require.NoError(t, err)
	doc := docWithID(int64(3), map[string]interface{}{"name": "ephemeral"})
	_, err = e.Insert("parts", doc, tx)
	require.NoError(t, err)
	_, err = e.Delete("parts", int64(3), tx)
	require.NoError(t, err)

	require.NoError(t, e.RollbackTransaction(tx))

	_, err = e.FindByID("parts", int64(3))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngineTransactionCompensatesOnMidwayFailure(t *testing.T) {
	e := tempEngine(t, Default())

	conflicting := docWithID(int64(2), map[string]interface{}{"name": "pre-existing"})
	_, err := e.Insert("parts", conflicting, nil)
	require.NoError(t, err)

	tx, err := e.BeginTransaction()
	require.NoError(t, err)
	doc1 := docWithID(int64(1), map[string]interface{}{"name": "a"})
	_, err = e.Insert("parts", doc1, tx)
	require.NoError(t, err)
	// doc2 collides with the pre-existing document at commit time.
	doc2 := docWithID(int64(2), map[string]interface{}{"name": "b"})
	_, err = e.Insert("parts", doc2, tx)
	require.NoError(t, err)

	err = e.CommitTransaction(tx)
	require.Error(t, err, "expected commit to fail on duplicate id")

	_, err = e.FindByID("parts", int64(1))
	assert.ErrorIs(t, err, ErrNotFound, "expected doc 1 to be compensated away after failed commit")

	got, err := e.FindByID("parts", int64(2))
	require.NoError(t, err, "expected pre-existing doc 2 untouched")
	name, _ := got.Get("name")
	assert.Equal(t, "pre-existing", name)
}

func TestEngineEnsureIndexPersistsAcrossReopen(t *testing.T) {
	f, err := os.CreateTemp("", "docbase_engine_*.db")
	require.NoError(t, err)
	path := f.Name()
	f.Close()
	os.Remove(path)
	defer os.Remove(path)

	e, err := Open(path, Default())
	require.NoError(t, err)
	_, err = e.EnsureIndex("parts", "by_name", []string{"name"}, false)
	require.NoError(t, err)
	doc := docWithID(int64(1), map[string]interface{}{"name": "widget"})
	_, err = e.Insert("parts", doc, nil)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	reopened, err := Open(path, Default())
	require.NoError(t, err)
	defer reopened.Close()

	idx, err := reopened.EnsureIndex("parts", "by_name", []string{"name"}, false)
	require.NoError(t, err)
	assert.NotNil(t, idx, "expected index to still exist after reopen")
}

func TestEngineFindByIDProjectedRestrictsFields(t *testing.T) {
	e := tempEngine(t, Default())

	doc := docWithID(int64(1), map[string]interface{}{"name": "widget", "qty": int64(5)})
	_, err := e.Insert("parts", doc, nil)
	require.NoError(t, err)

	got, err := e.FindByIDProjected("parts", int64(1), []string{"name"})
	require.NoError(t, err)
	_, hasQty := got.Get("qty")
	assert.False(t, hasQty, "expected qty to be excluded by projection")
	name, _ := got.Get("name")
	assert.Equal(t, "widget", name)

	full, err := e.FindByIDProjected("parts", int64(1), nil)
	require.NoError(t, err)
	qty, _ := full.Get("qty")
	assert.Equal(t, int64(5), qty, "expected nil fields to behave like FindByID")
}

func TestEngineDropCollectionRemovesDocuments(t *testing.T) {
	e := tempEngine(t, Default())

	doc := docWithID(int64(1), map[string]interface{}{"name": "widget"})
	_, err := e.Insert("parts", doc, nil)
	require.NoError(t, err)
	require.NoError(t, e.DropCollection("parts"))

	_, err = e.FindByID("parts", int64(1))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngineMaxActiveTransactionsEnforced(t *testing.T) {
	opts := Default()
	opts.MaxTransactions = 1
	e := tempEngine(t, opts)

	tx1, err := e.BeginTransaction()
	require.NoError(t, err)
	defer e.RollbackTransaction(tx1)

	_, err = e.BeginTransaction()
	assert.Error(t, err, "expected second transaction to be rejected at the limit")
}

func TestEngineGetStatisticsReflectsActivity(t *testing.T) {
	e := tempEngine(t, Default())

	doc := docWithID(int64(1), map[string]interface{}{"name": "widget"})
	_, err := e.Insert("parts", doc, nil)
	require.NoError(t, err)

	tx, err := e.BeginTransaction()
	require.NoError(t, err)
	require.NoError(t, e.CommitTransaction(tx))

	stats := e.GetStatistics()
	assert.GreaterOrEqual(t, stats.Collections, 1)
	assert.GreaterOrEqual(t, stats.Transactions.CommittedCount, uint64(1))
}

func TestEngineOptionsValidateRejectsBadPageSize(t *testing.T) {
	opts := Default()
	opts.PageSize = 100
	assert.Error(t, opts.Validate())
}

func TestEngineFlushAndCheckpoint(t *testing.T) {
	e := tempEngine(t, Default())

	doc := docWithID(int64(1), map[string]interface{}{"name": "widget"})
	_, err := e.Insert("parts", doc, nil)
	require.NoError(t, err)
	require.NoError(t, e.Flush())
	require.NoError(t, e.Checkpoint())
}

func TestEngineBackgroundFlushLoopStopsOnClose(t *testing.T) {
	opts := Default()
	opts.BackgroundFlushInterval = 10 * time.Millisecond
	e := tempEngine(t, opts)

	doc := docWithID(int64(1), map[string]interface{}{"name": "widget"})
	_, err := e.Insert("parts", doc, nil)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
}
