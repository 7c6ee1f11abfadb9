package core

import (
	"context"
	"sync"
)

// Defaults for streaming when the options leave the limit unset.
const (
	maxStreamSearchResults = 1000
	maxStreamListResults   = 10000

	// batchConcurrency bounds the goroutines of one batch operation.
	batchConcurrency = 10
)

// StreamBatch is one batch of a streamed result set.
type StreamBatch struct {
	Memories []*Memory

	// BatchIndex is the index of this batch (0-based).
	BatchIndex int

	IsLastBatch bool

	// Error ends the stream. It is set on the last value sent.
	Error error
}

// Streams stop and close their channel once ctx is done, whether or not the
// consumer keeps reading.

// SearchStream runs one search and delivers its results in batches of
// batchSize. Vector search has no stable offset, so the whole result set is
// retrieved first; WithLimit bounds it (default 1000).
//
// Example:
//
//	for batch := range client.SearchStream(ctx, "Python programming", 50,
//	    core.WithUserIDForSearch("user_001"),
//	    core.WithLimit(200),
//	) {
//	    if batch.Error != nil {
//	        log.Fatal(batch.Error)
//	    }
//	    for _, mem := range batch.Memories {
//	        processMemory(mem)
//	    }
//	}
func (c *Client) SearchStream(ctx context.Context, query string, batchSize int, opts ...SearchOption) <-chan *StreamBatch {
	out := make(chan *StreamBatch, 1)
	if batchSize <= 0 {
		batchSize = 10
	}

	go func() {
		defer close(out)

		explicit := &SearchOptions{}
		for _, opt := range opts {
			opt(explicit)
		}
		limit := explicit.Limit
		if limit <= 0 {
			limit = maxStreamSearchResults
		}
		searchOpts := append(append([]SearchOption{}, opts...), WithLimit(limit))
		res, err := c.Search(ctx, query, searchOpts...)
		if err != nil {
			send(ctx, out, &StreamBatch{IsLastBatch: true, Error: err})
			return
		}

		memories := res.Memories
		if len(memories) == 0 {
			send(ctx, out, &StreamBatch{IsLastBatch: true})
			return
		}
		for i, batchIndex := 0, 0; i < len(memories); i, batchIndex = i+batchSize, batchIndex+1 {
			end := min(i+batchSize, len(memories))
			batch := &StreamBatch{
				Memories:    memories[i:end],
				BatchIndex:  batchIndex,
				IsLastBatch: end == len(memories),
			}
			if !send(ctx, out, batch) {
				return
			}
		}
	}()

	return out
}

// GetAllStream pages through the main store batchSize records at a time,
// starting at WithOffset and stopping after WithLimitForGetAll records
// (default 10000).
//
// Example:
//
//	for batch := range client.GetAllStream(ctx, 100, core.WithUserIDForGetAll("user_001")) {
//	    if batch.Error != nil {
//	        log.Fatal(batch.Error)
//	    }
//	    for _, mem := range batch.Memories {
//	        processMemory(mem)
//	    }
//	}
func (c *Client) GetAllStream(ctx context.Context, batchSize int, opts ...GetAllOption) <-chan *StreamBatch {
	out := make(chan *StreamBatch, 1)
	if batchSize <= 0 {
		batchSize = 100
	}

	go func() {
		defer close(out)

		// The default page limit of GetAll does not apply here.
		getAllOpts := &GetAllOptions{}
		for _, opt := range opts {
			opt(getAllOpts)
		}
		maxResults := getAllOpts.Limit
		if maxResults <= 0 {
			maxResults = maxStreamListResults
		}

		sent := 0
		for batchIndex := 0; sent < maxResults; batchIndex++ {
			if ctx.Err() != nil {
				return
			}
			size := min(batchSize, maxResults-sent)
			pageOpts := append(append([]GetAllOption{}, opts...),
				WithOffset(getAllOpts.Offset+sent),
				WithLimitForGetAll(size),
			)
			page, err := c.GetAll(ctx, pageOpts...)
			if err != nil {
				send(ctx, out, &StreamBatch{BatchIndex: batchIndex, IsLastBatch: true, Error: err})
				return
			}
			sent += len(page)
			last := len(page) < size || sent >= maxResults
			if !send(ctx, out, &StreamBatch{Memories: page, BatchIndex: batchIndex, IsLastBatch: last}) || last {
				return
			}
		}
	}()

	return out
}

// send delivers b unless ctx is done first. The producer stops when it
// returns false.
func send(ctx context.Context, out chan<- *StreamBatch, b *StreamBatch) bool {
	select {
	case out <- b:
		return true
	case <-ctx.Done():
		return false
	}
}

// BatchError records one failed item of a batch operation.
type BatchError struct {
	// Index is the position of the item in the input.
	Index int
	Error error
}

// BatchAddResult contains the outcome of BatchAdd. Results is indexed like
// the input; failed items leave a nil entry.
type BatchAddResult struct {
	Results []*AddResult
	Failed  []BatchError
}

// BatchUpdateItem is one item of BatchUpdate.
type BatchUpdateItem struct {
	ID      int64
	Content string
	Options []UpdateOption
}

// BatchUpdateResult contains the outcome of BatchUpdate, indexed like the
// input.
type BatchUpdateResult struct {
	Updated []*Memory
	Failed  []BatchError
}

// BatchDeleteResult contains the outcome of BatchDelete.
type BatchDeleteResult struct {
	Deleted []int64
	Failed  []BatchError
}

// forEach calls fn for 0..n-1 on at most batchConcurrency goroutines and
// collects the failures ordered by index.
func forEach(ctx context.Context, n int, fn func(i int) error) []BatchError {
	sem := make(chan struct{}, batchConcurrency)
	errs := make([]error, n)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			errs[i] = err
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			errs[i] = fn(i)
		}(i)
	}
	wg.Wait()

	var failed []BatchError
	for i, err := range errs {
		if err != nil {
			failed = append(failed, BatchError{Index: i, Error: err})
		}
	}
	return failed
}

// BatchAdd adds each content as a memory concurrently. opts apply to every
// item. Individual failures are reported in the result, not as an error.
//
// Example:
//
//	result, _ := client.BatchAdd(ctx, []string{
//	    "User likes Python",
//	    "User prefers email communication",
//	}, core.WithUserID("user_001"))
//	fmt.Printf("%d failed\n", len(result.Failed))
func (c *Client) BatchAdd(ctx context.Context, contents []string, opts ...AddOption) *BatchAddResult {
	result := &BatchAddResult{Results: make([]*AddResult, len(contents))}
	result.Failed = forEach(ctx, len(contents), func(i int) error {
		r, err := c.Add(ctx, contents[i], opts...)
		result.Results[i] = r
		return err
	})
	return result
}

// BatchUpdate applies each update concurrently.
func (c *Client) BatchUpdate(ctx context.Context, items []BatchUpdateItem) *BatchUpdateResult {
	result := &BatchUpdateResult{Updated: make([]*Memory, len(items))}
	result.Failed = forEach(ctx, len(items), func(i int) error {
		m, err := c.Update(ctx, items[i].ID, items[i].Content, items[i].Options...)
		result.Updated[i] = m
		return err
	})
	return result
}

// BatchDelete deletes each id concurrently. Deleted lists the ids removed,
// in input order.
func (c *Client) BatchDelete(ctx context.Context, ids []int64, opts ...DeleteOption) *BatchDeleteResult {
	ok := make([]bool, len(ids))
	failed := forEach(ctx, len(ids), func(i int) error {
		err := c.Delete(ctx, ids[i], opts...)
		ok[i] = err == nil
		return err
	})
	result := &BatchDeleteResult{Failed: failed}
	for i, id := range ids {
		if ok[i] {
			result.Deleted = append(result.Deleted, id)
		}
	}
	return result
}
