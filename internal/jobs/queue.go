package jobs

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MimeLyc/annotation-session/pkg/log"
)

type Executor func(ctx context.Context, op *Operation) error

// Queue runs session operations on a worker pool. While an operation with a
// dedupe key is pending or running, enqueueing the same key returns it
// instead of creating a second one.
type Queue struct {
	workerCount int
	maxOps      int
	store       Store

	mu         sync.RWMutex
	ops        map[string]*Operation
	dedupe     map[string]string
	idCounter  uint64
	started    bool
	pendingIDs chan string
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

func NewQueue(workerCount int, store Store) *Queue {
	if workerCount <= 0 {
		workerCount = 1
	}
	q := &Queue{
		workerCount: workerCount,
		maxOps:      1000,
		store:       store,
		ops:         make(map[string]*Operation),
		dedupe:      make(map[string]string),
		pendingIDs:  make(chan string, 1024),
		stopCh:      make(chan struct{}),
	}
	q.hydrateFromStore(context.Background())
	return q
}

func SaveDedupeKey(taskID, jobID int) string {
	return fmt.Sprintf("%s|%d|%d", KindSave, taskID, jobID)
}

func GetJobDedupeKey(taskID, jobID int) string {
	return fmt.Sprintf("%s|%d|%d", KindGetJob, taskID, jobID)
}

func (q *Queue) Enqueue(req EnqueueRequest) (*Operation, bool) {
	now := time.Now()

	q.mu.Lock()
	if id, ok := q.dedupe[req.DedupeKey]; ok {
		if existing, exists := q.ops[id]; exists {
			snapshot := cloneOperation(existing)
			q.mu.Unlock()
			return snapshot, false
		}
		delete(q.dedupe, req.DedupeKey)
	}

	id := fmt.Sprintf("op-%d", atomic.AddUint64(&q.idCounter, 1))
	op := &Operation{
		ID:        id,
		Kind:      req.Kind,
		Source:    req.Source,
		DedupeKey: req.DedupeKey,
		Payload:   req.Payload,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	q.ops[id] = op
	if req.DedupeKey != "" {
		q.dedupe[req.DedupeKey] = id
	}
	started := q.started
	snapshot := cloneOperation(op)
	q.mu.Unlock()

	q.persist(snapshot)
	if started {
		q.enqueuePendingID(id)
	}
	return snapshot, true
}

func (q *Queue) Get(id string) (*Operation, bool) {
	q.mu.RLock()
	op, ok := q.ops[id]
	q.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return cloneOperation(op), true
}

// List returns all known operations, oldest first.
func (q *Queue) List() []*Operation {
	q.mu.RLock()
	ret := make([]*Operation, 0, len(q.ops))
	for _, op := range q.ops {
		ret = append(ret, cloneOperation(op))
	}
	q.mu.RUnlock()

	sort.Slice(ret, func(i, j int) bool {
		if !ret[i].CreatedAt.Equal(ret[j].CreatedAt) {
			return ret[i].CreatedAt.Before(ret[j].CreatedAt)
		}
		return opNumber(ret[i].ID) < opNumber(ret[j].ID)
	})
	return ret
}

func (q *Queue) Start(exec Executor) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true

	pending := make([]string, 0)
	for id, op := range q.ops {
		if op.Status == StatusPending {
			pending = append(pending, id)
		}
	}
	q.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool { return opNumber(pending[i]) < opNumber(pending[j]) })
	for _, id := range pending {
		q.enqueuePendingID(id)
	}

	for range q.workerCount {
		q.wg.Add(1)
		go q.worker(exec)
	}
}

func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
		q.wg.Wait()
	})
}

func (q *Queue) worker(exec Executor) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopCh:
			return
		case id := <-q.pendingIDs:
			op, ok := q.markRunning(id)
			if !ok {
				continue
			}

			q.markFinished(id, exec(context.Background(), op))
		}
	}
}

func (q *Queue) enqueuePendingID(id string) {
	select {
	case q.pendingIDs <- id:
	default:
		go func() { q.pendingIDs <- id }()
	}
}

func (q *Queue) markRunning(id string) (*Operation, bool) {
	q.mu.Lock()
	op, ok := q.ops[id]
	if !ok || op.Status != StatusPending {
		q.mu.Unlock()
		return nil, false
	}
	op.Status = StatusRunning
	op.UpdatedAt = time.Now()
	snapshot := cloneOperation(op)
	q.mu.Unlock()

	q.persist(snapshot)
	return snapshot, true
}

func (q *Queue) markFinished(id string, err error) {
	q.mu.Lock()
	op, ok := q.ops[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	if err != nil {
		op.Status = StatusFailed
		op.Error = err.Error()
	} else {
		op.Status = StatusSuccess
		op.Error = ""
	}
	op.UpdatedAt = time.Now()
	q.releaseDedupeLocked(op)
	pruned := q.pruneTerminalLocked()
	snapshot := cloneOperation(op)
	q.mu.Unlock()

	q.persist(snapshot)
	q.deleteFromStore(pruned)
}

func (q *Queue) releaseDedupeLocked(op *Operation) {
	if op == nil || op.DedupeKey == "" {
		return
	}
	if id, ok := q.dedupe[op.DedupeKey]; ok && id == op.ID {
		delete(q.dedupe, op.DedupeKey)
	}
}

func (q *Queue) pruneTerminalLocked() []string {
	if q.maxOps <= 0 || len(q.ops) <= q.maxOps {
		return nil
	}

	type candidate struct {
		id        string
		updatedAt time.Time
	}
	terminal := make([]candidate, 0, len(q.ops))
	for id, op := range q.ops {
		if op == nil || !op.Status.Terminal() {
			continue
		}
		terminal = append(terminal, candidate{id: id, updatedAt: op.UpdatedAt})
	}
	if len(terminal) == 0 {
		return nil
	}

	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].updatedAt.Before(terminal[j].updatedAt)
	})

	toRemove := min(len(q.ops)-q.maxOps, len(terminal))
	pruned := make([]string, 0, toRemove)
	for i := 0; i < toRemove; i++ {
		id := terminal[i].id
		q.releaseDedupeLocked(q.ops[id])
		delete(q.ops, id)
		pruned = append(pruned, id)
	}
	return pruned
}

func (q *Queue) deleteFromStore(ids []string) {
	if q.store == nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		if err := q.store.DeleteOperation(context.Background(), id); err != nil {
			log.Error("Failed to delete pruned operation %s from store: %v", id, err)
		}
	}
}

// hydrateFromStore reloads persisted operations; ones that were running when
// the process stopped go back to pending.
func (q *Queue) hydrateFromStore(ctx context.Context) {
	if q.store == nil {
		return
	}
	loaded, err := q.store.LoadOperations(ctx)
	if err != nil {
		log.Error("Failed to load operations from store: %v", err)
		return
	}

	now := time.Now()
	toPersist := make([]*Operation, 0)
	q.mu.Lock()
	for _, raw := range loaded {
		if raw == nil || raw.ID == "" {
			continue
		}
		op := cloneOperation(raw)
		if op.Status == StatusRunning {
			op.Status = StatusPending
			op.UpdatedAt = now
			toPersist = append(toPersist, cloneOperation(op))
		}
		q.ops[op.ID] = op
		if op.Status == StatusPending && op.DedupeKey != "" {
			q.dedupe[op.DedupeKey] = op.ID
		}
		if n := opNumber(op.ID); n > q.idCounter {
			q.idCounter = n
		}
	}
	q.mu.Unlock()

	for _, op := range toPersist {
		q.persist(op)
	}
}

func opNumber(id string) uint64 {
	if !strings.HasPrefix(id, "op-") {
		return 0
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(id, "op-"), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (q *Queue) persist(op *Operation) {
	if q.store == nil || op == nil {
		return
	}
	if err := q.store.UpsertOperation(context.Background(), op); err != nil {
		log.Error("Failed to persist operation %s: %v", op.ID, err)
	}
}

func cloneOperation(op *Operation) *Operation {
	if op == nil {
		return nil
	}
	tmp := *op
	return &tmp
}
