package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/nwfth/partial-picking/internal/apperrors"
	"github.com/nwfth/partial-picking/internal/db"
	"github.com/nwfth/partial-picking/internal/queue"
	"github.com/nwfth/partial-picking/internal/services"
)

// BulkUnpickWorker processes "unpick an entire ingredient" requests
// asynchronously. Adapted from the teacher's BulkOperationWorker
// (`internal/workers/bulkop_worker.go`): a queue-subscribed coordinator,
// a cancellation-context map keyed by job id, and NATS progress
// publication consumed by the job-status SSE endpoint — the same shape,
// generalized from M3 production-order batches to allocation rows
// (§4.4.4, SPEC_FULL §4.9).
type BulkUnpickWorker struct {
	nats   *queue.Manager
	db     *db.Queries
	engine *services.PickEngine

	jobContexts    map[string]context.CancelFunc
	jobContextsMux sync.RWMutex
}

func NewBulkUnpickWorker(natsManager *queue.Manager, queries *db.Queries, engine *services.PickEngine) *BulkUnpickWorker {
	return &BulkUnpickWorker{
		nats:        natsManager,
		db:          queries,
		engine:      engine,
		jobContexts: make(map[string]context.CancelFunc),
	}
}

// BulkUnpickRequestMessage is published by the HTTP handler to enqueue a
// new job; one worker instance in the queue group picks it up.
type BulkUnpickRequestMessage struct {
	JobID   string `json:"job_id"`
	RunNo   string `json:"run_no"`
	ItemKey string `json:"item_key"`
	UserID  string `json:"user_id"`
}

const subjectBulkUnpickRequest = "bulkunpick.request"

// Start subscribes to the bulk-unpick request subject. It does not
// subscribe to a cancellation subject; cancellation goes through Cancel
// and the job row's 'cancelled' status.
func (w *BulkUnpickWorker) Start(ctx context.Context) error {
	if _, err := w.nats.QueueSubscribe(subjectBulkUnpickRequest, queue.QueueGroupBulkUnpick, w.handleRequest); err != nil {
		return fmt.Errorf("subscribe to bulk unpick requests: %w", err)
	}
	return nil
}

// Enqueue publishes a new bulk-unpick job request; called by the HTTP
// handler after it has created the job row (§6 "unpick-ingredient").
func (w *BulkUnpickWorker) Enqueue(msg BulkUnpickRequestMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal bulk unpick request: %w", err)
	}
	return w.nats.Publish(subjectBulkUnpickRequest, data)
}

func (w *BulkUnpickWorker) handleRequest(msg *nats.Msg) {
	var req BulkUnpickRequestMessage
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		log.Printf("ERROR: bulk unpick request decode failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.registerJobContext(req.JobID, cancel)
	defer w.unregisterJobContext(req.JobID)

	if err := w.run(ctx, req); err != nil {
		log.Printf("ERROR: bulk unpick job %s failed: %v", req.JobID, err)
		if failErr := w.db.FailBulkUnpickJob(context.Background(), req.JobID, err.Error()); failErr != nil {
			log.Printf("ERROR: failed to record bulk unpick job failure %s: %v", req.JobID, failErr)
		}
		w.publishError(req.JobID, err.Error())
	}
}

func (w *BulkUnpickWorker) run(ctx context.Context, req BulkUnpickRequestMessage) error {
	rows, err := w.db.DB().QueryContext(ctx, `
		SELECT lot_tran_no FROM allocations WHERE run_no = $1 AND item_key = $2`,
		req.RunNo, req.ItemKey)
	if err != nil {
		return fmt.Errorf("list allocations for ingredient: %w", err)
	}
	var lotTranNos []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan allocation id: %w", err)
		}
		lotTranNos = append(lotTranNos, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	total := len(lotTranNos)
	if err := w.db.StartBulkUnpickJob(ctx, req.JobID, total); err != nil {
		return err
	}
	w.publishProgress(req.JobID, "running", 0, total)

	if total == 0 {
		if err := w.db.CompleteBulkUnpickJob(ctx, req.JobID); err != nil {
			return err
		}
		w.publishComplete(req.JobID)
		return nil
	}

	// Reversing allocation-by-allocation (rather than in the single
	// aggregate unpickSet transaction) means a cancellation or a
	// transient failure partway through leaves the job's progress
	// counter accurate rather than all-or-nothing — appropriate for a
	// potentially large, long-running async job.
	processed := 0
	for _, lotTranNo := range lotTranNos {
		select {
		case <-ctx.Done():
			return fmt.Errorf("job cancelled after %d/%d allocations", processed, total)
		default:
		}

		if w.isJobCancelled(ctx, req.JobID) {
			return fmt.Errorf("job cancelled after %d/%d allocations", processed, total)
		}

		if _, err := w.engine.UnpickByLotTranNo(ctx, lotTranNo, req.UserID, false); err != nil {
			if apperrors.KindOf(err) == apperrors.KindNotFound {
				// Already reversed by a racing precise-unpick call;
				// count it and move on rather than failing the whole job.
				processed++
				continue
			}
			return fmt.Errorf("unpick allocation %d: %w", lotTranNo, err)
		}

		processed++
		if err := w.db.UpdateBulkUnpickProgress(ctx, req.JobID, processed, total); err != nil {
			log.Printf("ERROR: failed to persist bulk unpick progress for job %s: %v", req.JobID, err)
		}
		w.publishProgress(req.JobID, "running", processed, total)
	}

	if err := w.db.CompleteBulkUnpickJob(ctx, req.JobID); err != nil {
		return err
	}
	w.publishComplete(req.JobID)
	return nil
}

func (w *BulkUnpickWorker) publishProgress(jobID, status string, processed, total int) {
	pct := 0
	if total > 0 {
		pct = processed * 100 / total
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"job_id":     jobID,
		"status":     status,
		"processed":  processed,
		"total":      total,
		"progress":   pct,
	})
	if err := w.nats.Publish(queue.GetBulkUnpickProgressSubject(jobID), payload); err != nil {
		log.Printf("WARN: failed to publish bulk unpick progress for job %s: %v", jobID, err)
	}
}

func (w *BulkUnpickWorker) publishComplete(jobID string) {
	payload, _ := json.Marshal(map[string]interface{}{"job_id": jobID, "status": "completed"})
	if err := w.nats.Publish(queue.GetBulkUnpickCompleteSubject(jobID), payload); err != nil {
		log.Printf("WARN: failed to publish bulk unpick completion for job %s: %v", jobID, err)
	}
}

func (w *BulkUnpickWorker) publishError(jobID, message string) {
	payload, _ := json.Marshal(map[string]interface{}{"job_id": jobID, "status": "failed", "error": message})
	if err := w.nats.Publish(queue.GetBulkUnpickErrorSubject(jobID), payload); err != nil {
		log.Printf("WARN: failed to publish bulk unpick error for job %s: %v", jobID, err)
	}
}

func (w *BulkUnpickWorker) isJobCancelled(ctx context.Context, jobID string) bool {
	job, err := w.db.GetBulkUnpickJob(ctx, jobID)
	if err != nil || job == nil {
		return false
	}
	return job.Status == "cancelled"
}

func (w *BulkUnpickWorker) registerJobContext(jobID string, cancel context.CancelFunc) {
	w.jobContextsMux.Lock()
	defer w.jobContextsMux.Unlock()
	w.jobContexts[jobID] = cancel
}

func (w *BulkUnpickWorker) unregisterJobContext(jobID string) {
	w.jobContextsMux.Lock()
	defer w.jobContextsMux.Unlock()
	delete(w.jobContexts, jobID)
}

// Cancel cancels a running job's context immediately, if this worker
// instance owns it (queue-group load balancing means another instance
// may own it instead — the job row's 'cancelled' status is the
// authoritative signal other instances poll for, via isJobCancelled).
func (w *BulkUnpickWorker) Cancel(jobID string) {
	w.jobContextsMux.RLock()
	cancel, ok := w.jobContexts[jobID]
	w.jobContextsMux.RUnlock()
	if ok {
		cancel()
	}
}
