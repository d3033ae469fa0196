package concurrency

import (
	"sync"
	"testing"
	"time"
)

func TestRequestReleaseRead(t *testing.T) {
	lm := NewLockManager(10 * time.Millisecond)
	defer lm.Close()

	req := lm.RequestLock("tx1", "col/1", Read, time.Second)
	if !req.IsGranted() {
		t.Fatal("expected immediate grant of uncontended read lock")
	}
	lm.ReleaseLock(req)

	req2 := lm.RequestLock("tx2", "col/1", Read, time.Second)
	if !req2.IsGranted() {
		t.Fatal("expected re-acquire after release")
	}
	lm.ReleaseLock(req2)
}

func TestReadReadCompatible(t *testing.T) {
	lm := NewLockManager(10 * time.Millisecond)
	defer lm.Close()

	r1 := lm.RequestLock("tx1", "col/1", Read, time.Second)
	r2 := lm.RequestLock("tx2", "col/1", Read, time.Second)
	if !r1.IsGranted() || !r2.IsGranted() {
		t.Fatal("two Read locks on the same resource should both be granted")
	}
	lm.ReleaseLock(r1)
	lm.ReleaseLock(r2)
}

func TestWriteConflictsWithEverything(t *testing.T) {
	lm := NewLockManager(10 * time.Millisecond)
	defer lm.Close()

	w := lm.RequestLock("tx1", "col/1", Write, time.Second)
	if !w.IsGranted() {
		t.Fatal("first write should be granted")
	}

	blocked := lm.RequestLock("tx2", "col/1", Read, 50*time.Millisecond)
	blocked.Wait()
	if blocked.IsGranted() {
		t.Error("read should not be granted while a write is held")
	}
	if !blocked.IsExpired() {
		t.Error("expected the blocked request to expire")
	}
	lm.ReleaseLock(w)
}

func TestIntentWriteCompatibleWithItself(t *testing.T) {
	lm := NewLockManager(10 * time.Millisecond)
	defer lm.Close()

	i1 := lm.RequestLock("tx1", "col/1", IntentWrite, time.Second)
	i2 := lm.RequestLock("tx2", "col/1", IntentWrite, time.Second)
	if !i1.IsGranted() || !i2.IsGranted() {
		t.Fatal("two IntentWrite locks should be compatible")
	}
	lm.ReleaseLock(i1)
	lm.ReleaseLock(i2)
}

func TestSameTxUpgradeIntentWriteToWrite(t *testing.T) {
	lm := NewLockManager(10 * time.Millisecond)
	defer lm.Close()

	iw := lm.RequestLock("tx1", "col/1", IntentWrite, time.Second)
	if !iw.IsGranted() {
		t.Fatal("expected IntentWrite to be granted")
	}
	up := lm.RequestLock("tx1", "col/1", Write, time.Second)
	if !up.IsGranted() {
		t.Error("expected IntentWrite -> Write upgrade to be granted for the same transaction")
	}
	lm.ReleaseLock(up)
}

func TestSameTxDowngradeRefused(t *testing.T) {
	lm := NewLockManager(10 * time.Millisecond)
	defer lm.Close()

	w := lm.RequestLock("tx1", "col/1", Write, time.Second)
	if !w.IsGranted() {
		t.Fatal("expected write to be granted")
	}
	down := lm.RequestLock("tx1", "col/1", Read, time.Second)
	if down.IsGranted() {
		t.Error("Write -> Read downgrade should be refused, not granted")
	}
	lm.ReleaseLock(w)
}

func TestReleaseGrantsFIFOPending(t *testing.T) {
	lm := NewLockManager(10 * time.Millisecond)
	defer lm.Close()

	w := lm.RequestLock("tx1", "col/1", Write, time.Second)
	p1 := lm.RequestLock("tx2", "col/1", Read, 2*time.Second)
	p2 := lm.RequestLock("tx3", "col/1", Read, 2*time.Second)

	lm.ReleaseLock(w)
	p1.Wait()
	p2.Wait()
	if !p1.IsGranted() || !p2.IsGranted() {
		t.Error("expected both pending reads to be granted once the write released")
	}
	lm.ReleaseLock(p1)
	lm.ReleaseLock(p2)
}

func TestReleaseAllLocks(t *testing.T) {
	lm := NewLockManager(10 * time.Millisecond)
	defer lm.Close()

	lm.RequestLock("tx1", "col/1", Write, time.Second)
	lm.RequestLock("tx1", "col/2", Write, time.Second)
	lm.ReleaseAllLocks("tx1")

	req := lm.RequestLock("tx2", "col/1", Write, time.Second)
	if !req.IsGranted() {
		t.Error("expected resources to be free after ReleaseAllLocks")
	}
	lm.ReleaseLock(req)
}

func TestDeadlockDetectionMarksVictim(t *testing.T) {
	lm := NewLockManager(5 * time.Millisecond)
	defer lm.Close()

	r1 := lm.RequestLock("txA", "r1", Read, 2*time.Second)
	r2 := lm.RequestLock("txB", "r2", Read, 2*time.Second)
	if !r1.IsGranted() || !r2.IsGranted() {
		t.Fatal("initial reads should be granted")
	}

	pA := lm.RequestLock("txA", "r2", IntentWrite, 2*time.Second)
	pB := lm.RequestLock("txB", "r1", IntentWrite, 2*time.Second)

	deadline := time.After(2 * time.Second)
	for !pA.IsDeadlockVictim() && !pB.IsDeadlockVictim() {
		select {
		case <-deadline:
			t.Fatal("expected at least one pending request to be marked as a deadlock victim")
		case <-time.After(10 * time.Millisecond):
		}
	}

	lm.ReleaseAllLocks("txA")
	lm.ReleaseAllLocks("txB")
}

func TestConcurrentDisjointResourcesDoNotBlock(t *testing.T) {
	lm := NewLockManager(10 * time.Millisecond)
	defer lm.Close()

	var wg sync.WaitGroup
	errCh := make(chan string, 100)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				resource := "col/" + string(rune('a'+id))
				req := lm.RequestLock("tx", resource, Write, time.Second)
				req.Wait()
				if !req.IsGranted() {
					errCh <- "expected disjoint-resource lock to be granted"
					return
				}
				lm.ReleaseLock(req)
			}
		}(i)
	}
	wg.Wait()
	close(errCh)
	for msg := range errCh {
		t.Error(msg)
	}
}
