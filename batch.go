package resolver

import (
	"context"
	"sync"
)

// BatchQuery resolves all requests in parallel and returns one result per
// request, in order. The advisory concurrency cap bounds how many dispatches
// run at once; identical requests share one wire dispatch through the cache
// single-flight.
func (r *Resolver) BatchQuery(ctx context.Context, reqs []*QueryRequest) []BatchResult {
	results := make([]BatchResult, len(reqs))

	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req *QueryRequest) {
			defer wg.Done()
			resp, err := r.Query(ctx, req)
			results[i] = BatchResult{Response: resp, Err: err}
		}(i, req)
	}
	wg.Wait()

	return results
}
