package core

import (
	"container/heap"
	"errors"
	"sync"
)

// ErrQueueEmpty is returned when Pop() or Top() is called on an empty queue.
var ErrQueueEmpty = errors.New("job queue is empty")

// JobQueue is a thread-safe min-heap of jobs keyed by weight (lower value
// means higher priority). Jobs with the same weight are served in insertion
// order. A batch shares one insertion epoch and keeps its internal order.
type JobQueue interface {
	Push(job *Job, weight int) error
	PushBatch(jobs []*Job, weight int) error
	Pop() (*Job, error)
	Top() (*Job, error)
	Len() int
	// Drain removes and returns every queued job in dequeue order.
	Drain() []*Job
}

type heapJobQueue struct {
	pq    priorityQueue
	mu    sync.RWMutex
	epoch uint64
}

func NewJobQueue() JobQueue {
	pq := make(priorityQueue, 0)
	heap.Init(&pq)
	return &heapJobQueue{pq: pq}
}

func (q *heapJobQueue) Push(job *Job, weight int) error {
	if job == nil {
		return errors.New("cannot push nil job")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	heap.Push(&q.pq, &item{job: job, weight: weight, epoch: q.epoch})
	q.epoch++
	return nil
}

func (q *heapJobQueue) PushBatch(jobs []*Job, weight int) error {
	for _, job := range jobs {
		if job == nil {
			return errors.New("cannot push nil job")
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for i, job := range jobs {
		heap.Push(&q.pq, &item{job: job, weight: weight, epoch: q.epoch, offset: i})
	}
	q.epoch++
	return nil
}

func (q *heapJobQueue) Pop() (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pq.Len() == 0 {
		return nil, ErrQueueEmpty
	}
	it := heap.Pop(&q.pq).(*item)
	return it.job, nil
}

func (q *heapJobQueue) Top() (*Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.pq.Len() == 0 {
		return nil, ErrQueueEmpty
	}
	return q.pq[0].job, nil
}

func (q *heapJobQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.pq.Len()
}

func (q *heapJobQueue) Drain() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	jobs := make([]*Job, 0, q.pq.Len())
	for q.pq.Len() > 0 {
		jobs = append(jobs, heap.Pop(&q.pq).(*item).job)
	}
	return jobs
}

// item wraps a Job with its weight, insertion epoch, and index in the heap.
type item struct {
	job    *Job
	weight int
	epoch  uint64 // Insertion order for FIFO within same weight
	offset int    // Position inside a batch
	index  int    // Required by heap.Interface
}

// priorityQueue satisfies heap.Interface.
type priorityQueue []*item

func (pq priorityQueue) Len() int {
	return len(pq)
}

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].weight != pq[j].weight {
		return pq[i].weight < pq[j].weight
	}
	if pq[i].epoch != pq[j].epoch {
		return pq[i].epoch < pq[j].epoch
	}
	return pq[i].offset < pq[j].offset
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	n := len(*pq)
	it := x.(*item)
	it.index = n
	*pq = append(*pq, it)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*pq = old[0 : n-1]
	return it
}
