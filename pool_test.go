package wsrpc

import (
	"sync/atomic"
	"testing"
)

func TestPoolRunsEverything(t *testing.T) {
	pool := NewPool(4)
	defer pool.Stop()
	var ran int64
	tasks := make([]*Task, 0, 100)
	for i := 0; i < 100; i++ {
		i := i
		tasks = append(tasks, pool.Do(func() (interface{}, error) {
			atomic.AddInt64(&ran, 1)
			return i * 2, nil
		}))
	}
	for i, task := range tasks {
		result, err := task.Wait()
		if err != nil {
			t.Fatal(err)
		}
		if result.(int) != i*2 {
			t.Fatalf("task %d returned %v", i, result)
		}
	}
	if atomic.LoadInt64(&ran) != 100 {
		t.Fatalf("ran %d tasks", ran)
	}
}

func TestPoolRunsConcurrently(t *testing.T) {
	pool := NewPool(2)
	defer pool.Stop()
	gate := make(chan struct{})
	first := pool.Do(func() (interface{}, error) {
		<-gate
		return nil, nil
	})
	//	the second task must run while the first is parked
	second := pool.Do(func() (interface{}, error) {
		close(gate)
		return nil, nil
	})
	if _, err := first.Wait(); err != nil {
		t.Fatal(err)
	}
	if _, err := second.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestTaskError(t *testing.T) {
	pool := NewPool(1)
	defer pool.Stop()
	task := pool.Do(func() (interface{}, error) {
		return nil, NewError(ErrCodeTimeout, "took too long")
	})
	if _, err := task.Wait(); ErrorCode(err) != ErrCodeTimeout {
		t.Fatalf("got %v", err)
	}
}

func TestDefaultPoolLifecycle(t *testing.T) {
	if err := InitDefaultPool(2); err != nil {
		t.Fatal(err)
	}
	if err := InitDefaultPool(2); err == nil {
		t.Fatal("second init should fail")
	}
	result, err := DoParallel(func() (interface{}, error) {
		return "done", nil
	}).Wait()
	if err != nil || result.(string) != "done" {
		t.Fatalf("got %v %v", result, err)
	}
	ShutdownDefaultPool()
}
