package logextract

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestDefaultRunner(t *testing.T) {
	runner := DefaultRunner()

	if runner == nil {
		t.Fatal("DefaultRunner returned nil")
	}

	r, ok := runner.(*errGroupRunner)
	if !ok {
		t.Fatalf("DefaultRunner should return *errGroupRunner, got %T", runner)
	}
	if cap(r.sem) != DefaultWorkers() {
		t.Errorf("expected %d slots, got %d", DefaultWorkers(), cap(r.sem))
	}
}

func TestDefaultWorkers(t *testing.T) {
	if DefaultWorkers() < 1 {
		t.Errorf("DefaultWorkers must be at least 1, got %d", DefaultWorkers())
	}
}

func TestErrGroupRunner_Go_Success(t *testing.T) {
	runner := NewLimitedRunner(3)

	var counter int32
	for i := 0; i < 5; i++ {
		runner.Go(func() error {
			atomic.AddInt32(&counter, 1)
			return nil
		})
	}

	if err := runner.Wait(); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if atomic.LoadInt32(&counter) != 5 {
		t.Errorf("Expected counter to be 5, got %d", atomic.LoadInt32(&counter))
	}
}

func TestErrGroupRunner_ErrorDoesNotStopSiblings(t *testing.T) {
	runner := NewLimitedRunner(2)
	expectedErr := errors.New("test error")

	var finished int32
	runner.Go(func() error {
		return expectedErr
	})
	for i := 0; i < 3; i++ {
		runner.Go(func() error {
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&finished, 1)
			return nil
		})
	}

	err := runner.Wait()
	if err != expectedErr {
		t.Errorf("Expected %v, got %v", expectedErr, err)
	}
	if atomic.LoadInt32(&finished) != 3 {
		t.Errorf("Expected all 3 siblings to finish, got %d", atomic.LoadInt32(&finished))
	}
}

func TestLimitedRunner_RespectsLimit(t *testing.T) {
	const limit = 2
	runner := NewLimitedRunner(limit)

	var running, peak int32
	for i := 0; i < 8; i++ {
		runner.Go(func() error {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		})
	}

	if err := runner.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if peak > limit {
		t.Errorf("Expected at most %d concurrent tasks, saw %d", limit, peak)
	}
}

func TestLimitedRunner_ZeroMeansOne(t *testing.T) {
	r := NewLimitedRunner(0).(*errGroupRunner)
	if cap(r.sem) != 1 {
		t.Errorf("expected 1 slot, got %d", cap(r.sem))
	}
}
