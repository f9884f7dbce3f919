package exec

// chunkQueue funnels output chunks through a single consumer goroutine so
// chunk commits are strictly FIFO: interleaved delivery from the runtime's
// reader can never reorder bytes in the reconstructed output. The
// executor drains the queue before materializing a result, so no chunk is
// lost or committed after the sink is finalized.
type chunkQueue struct {
	ch   chan string
	done chan struct{}
}

// newChunkQueue starts the consumer goroutine. commit is called for each
// chunk, one at a time, in enqueue order.
func newChunkQueue(commit func(chunk string)) *chunkQueue {
	q := &chunkQueue{
		ch:   make(chan string, 64),
		done: make(chan struct{}),
	}
	go func() {
		defer close(q.done)
		for chunk := range q.ch {
			commit(chunk)
		}
	}()
	return q
}

// Enqueue submits a chunk. Must not be called after Drain; the runtime
// contract guarantees no chunk callbacks once Run has returned.
func (q *chunkQueue) Enqueue(chunk string) {
	q.ch <- chunk
}

// Drain closes the queue and blocks until every enqueued chunk has been
// committed.
func (q *chunkQueue) Drain() {
	close(q.ch)
	<-q.done
}
