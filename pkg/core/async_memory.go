package core

import (
	"context"
	"sync"
)

// AsyncClient provides asynchronous PowerMem operations.
//
// Every method starts one goroutine and returns a buffered channel that
// receives exactly one result and is then closed. Wait blocks until all
// started operations have finished.
//
// Example:
//
//	asyncClient, _ := core.NewAsyncClient(config)
//	defer asyncClient.Close()
//
//	res := <-asyncClient.AddAsync(ctx, "User likes Python", core.WithUserID("user_001"))
//	if res.Error != nil {
//	    log.Fatal(res.Error)
//	}
type AsyncClient struct {
	*Client
	wg sync.WaitGroup
}

// AsyncResult carries the outcome of one asynchronous operation.
type AsyncResult[T any] struct {
	Value T
	Error error
}

// NewAsyncClient creates a new asynchronous PowerMem client.
func NewAsyncClient(cfg *Config, opts ...ClientOption) (*AsyncClient, error) {
	client, err := NewClient(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &AsyncClient{Client: client}, nil
}

// goAsync runs fn on a tracked goroutine.
func goAsync[T any](ac *AsyncClient, fn func() (T, error)) <-chan AsyncResult[T] {
	ch := make(chan AsyncResult[T], 1)
	ac.wg.Add(1)
	go func() {
		defer ac.wg.Done()
		defer close(ch)
		v, err := fn()
		ch <- AsyncResult[T]{Value: v, Error: err}
	}()
	return ch
}

// AddAsync adds a memory asynchronously.
func (ac *AsyncClient) AddAsync(ctx context.Context, content string, opts ...AddOption) <-chan AsyncResult[*AddResult] {
	return goAsync(ac, func() (*AddResult, error) { return ac.Add(ctx, content, opts...) })
}

// SearchAsync searches memories asynchronously.
func (ac *AsyncClient) SearchAsync(ctx context.Context, query string, opts ...SearchOption) <-chan AsyncResult[*SearchResult] {
	return goAsync(ac, func() (*SearchResult, error) { return ac.Search(ctx, query, opts...) })
}

// GetAsync retrieves a memory by ID asynchronously.
func (ac *AsyncClient) GetAsync(ctx context.Context, id int64, opts ...GetOption) <-chan AsyncResult[*Memory] {
	return goAsync(ac, func() (*Memory, error) { return ac.Get(ctx, id, opts...) })
}

// UpdateAsync updates a memory asynchronously.
func (ac *AsyncClient) UpdateAsync(ctx context.Context, id int64, content string, opts ...UpdateOption) <-chan AsyncResult[*Memory] {
	return goAsync(ac, func() (*Memory, error) { return ac.Update(ctx, id, content, opts...) })
}

// DeleteAsync deletes a memory asynchronously. The channel receives nil on
// success.
func (ac *AsyncClient) DeleteAsync(ctx context.Context, id int64, opts ...DeleteOption) <-chan error {
	errChan := make(chan error, 1)
	ac.wg.Add(1)
	go func() {
		defer ac.wg.Done()
		defer close(errChan)
		errChan <- ac.Delete(ctx, id, opts...)
	}()
	return errChan
}

// GetAllAsync lists memories asynchronously.
func (ac *AsyncClient) GetAllAsync(ctx context.Context, opts ...GetAllOption) <-chan AsyncResult[[]*Memory] {
	return goAsync(ac, func() ([]*Memory, error) { return ac.GetAll(ctx, opts...) })
}

// DeleteAllAsync deletes the matching memories asynchronously and reports
// how many were removed.
func (ac *AsyncClient) DeleteAllAsync(ctx context.Context, opts ...DeleteAllOption) <-chan AsyncResult[int64] {
	return goAsync(ac, func() (int64, error) { return ac.DeleteAll(ctx, opts...) })
}

// Wait waits for all asynchronous operations to complete.
func (ac *AsyncClient) Wait() {
	ac.wg.Wait()
}

// Close waits for pending operations, then closes the underlying client.
func (ac *AsyncClient) Close() error {
	ac.Wait()
	return ac.Client.Close()
}
