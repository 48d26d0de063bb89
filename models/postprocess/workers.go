package postprocess

import (
	"sync"
)

// ParallelMap runs fn(i) for every i in [0, n) on a pool of at most numWorkers
// goroutines and returns the first error any call produced.
//
// Greedy suppression is sequential within one class, but images are independent,
// so callers fan out per image. numWorkers <= 1 runs everything on the calling
// goroutine.
//
// Arguments:
//   - n: Number of work items.
//   - numWorkers: Upper bound on concurrent goroutines.
//   - fn: Work function. It must only write to state owned by item i.
//
// Returns:
//   - The first non-nil error, or nil.
func ParallelMap(n, numWorkers int, fn func(i int) error) error {
	if numWorkers <= 1 || n <= 1 {
		for i := 0; i < n; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}
	if numWorkers > n {
		numWorkers = n
	}

	jobs := make(chan int, n)
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if err := fn(i); err != nil {
					once.Do(func() { firstErr = err })
				}
			}
		}()
	}
	wg.Wait()
	return firstErr
}
