package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"

	"github.com/nwfth/partial-picking/internal/apperrors"
	"github.com/nwfth/partial-picking/internal/db"
	"github.com/nwfth/partial-picking/internal/queue"
	"github.com/nwfth/partial-picking/internal/workers"
)

const bulkUnpickMaxRetries = 3

type unpickIngredientAsyncRequest struct {
	ItemKey string `json:"item_key"`
	UserID  string `json:"user_id"`
}

// handleUnpickIngredientAsync queues an "unpick entire ingredient"
// request for background processing rather than reversing every
// allocation inline, since a saturated ingredient can carry an
// unbounded number of rows (§4.4.4, SPEC_FULL §4.9).
func (s *Server) handleUnpickIngredientAsync(w http.ResponseWriter, r *http.Request) {
	runNo := mux.Vars(r)["run_no"]

	var body unpickIngredientAsyncRequest
	decodeJSONBody(r, &body)
	if body.ItemKey == "" {
		writeAppError(w, apperrors.Validation("item_key is required"))
		return
	}
	userID := requestUserID(r.Context(), body.UserID)

	jobID := uuid.NewString()
	if err := s.db.CreateBulkUnpickJob(r.Context(), jobID, runNo, body.ItemKey, userID, bulkUnpickMaxRetries); err != nil {
		writeAppError(w, apperrors.Internal(err))
		return
	}

	if err := s.bulkUnpick.Enqueue(workers.BulkUnpickRequestMessage{
		JobID:   jobID,
		RunNo:   runNo,
		ItemKey: body.ItemKey,
		UserID:  userID,
	}); err != nil {
		writeAppError(w, apperrors.Internal(err))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{"job_id": jobID})
}

// handleGetJob polls a bulk-unpick job's current status, for clients
// that would rather not hold an SSE connection open.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]

	job, err := s.db.GetBulkUnpickJob(r.Context(), jobID)
	if err != nil {
		writeAppError(w, apperrors.Internal(err))
		return
	}
	if job == nil {
		writeAppError(w, apperrors.NotFound("job not found"))
		return
	}

	writeJSON(w, http.StatusOK, jobToProgressUpdate(job))
}

// jobProgressUpdate is the wire shape streamed over SSE and returned by
// handleGetJob, analogous to the teacher's refresh-job ProgressUpdate.
type jobProgressUpdate struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	Progress  int    `json:"progress"`
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Error     string `json:"error,omitempty"`
}

func jobToProgressUpdate(job *db.BulkUnpickJob) jobProgressUpdate {
	update := jobProgressUpdate{
		JobID:     job.ID,
		Status:    job.Status,
		Progress:  job.ProgressPct,
		Processed: job.ProcessedAllocations,
		Total:     job.TotalAllocations,
	}
	if job.ErrorMessage.Valid {
		update.Error = job.ErrorMessage.String
	}
	return update
}

// handleJobStream streams bulk-unpick progress over Server-Sent Events:
// an initial snapshot from the database, then NATS progress/complete/
// error events as they arrive, with a heartbeat to hold the connection
// open through intermediate proxies.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	if jobID == "" {
		http.Error(w, "job id is required", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	rc := http.NewResponseController(w)
	ctx := r.Context()

	rc.SetWriteDeadline(time.Now().Add(30 * time.Second))
	fmt.Fprintf(w, "event: connected\ndata: {\"message\": \"connected to bulk unpick progress stream\"}\n\n")
	flusher.Flush()

	job, err := s.db.GetBulkUnpickJob(ctx, jobID)
	if err != nil {
		log.Printf("failed to get bulk unpick job %s: %v", jobID, err)
	} else if job == nil {
		log.Printf("bulk unpick job %s not found", jobID)
	} else {
		sendJobSSEEvent(w, flusher, rc, "progress", jobToProgressUpdate(job))
		if job.Status == "completed" || job.Status == "failed" || job.Status == "cancelled" {
			return
		}
	}

	msgChan := make(chan *nats.Msg, 10)
	forward := func(msg *nats.Msg) {
		select {
		case msgChan <- msg:
		case <-ctx.Done():
		}
	}

	progressSub, err := s.natsManager.Subscribe(queue.GetBulkUnpickProgressSubject(jobID), forward)
	if err != nil {
		sendJobSSEEvent(w, flusher, rc, "error", map[string]string{"error": "failed to subscribe to progress updates"})
		return
	}
	defer progressSub.Unsubscribe()

	completeSub, err := s.natsManager.Subscribe(queue.GetBulkUnpickCompleteSubject(jobID), forward)
	if err != nil {
		sendJobSSEEvent(w, flusher, rc, "error", map[string]string{"error": "failed to subscribe to completion events"})
		return
	}
	defer completeSub.Unsubscribe()

	errorSub, err := s.natsManager.Subscribe(queue.GetBulkUnpickErrorSubject(jobID), forward)
	if err != nil {
		sendJobSSEEvent(w, flusher, rc, "error", map[string]string{"error": "failed to subscribe to error events"})
		return
	}
	defer errorSub.Unsubscribe()

	heartbeat := time.NewTicker(5 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-msgChan:
			var update map[string]interface{}
			if err := json.Unmarshal(msg.Data, &update); err != nil {
				continue
			}

			eventType := "progress"
			status, _ := update["status"].(string)
			switch status {
			case "completed":
				eventType = "complete"
			case "failed":
				eventType = "error"
			}

			sendJobSSEEvent(w, flusher, rc, eventType, update)

			if status == "completed" || status == "failed" {
				time.Sleep(500 * time.Millisecond)
				return
			}

		case <-heartbeat.C:
			rc.SetWriteDeadline(time.Now().Add(30 * time.Second))
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func sendJobSSEEvent(w http.ResponseWriter, flusher http.Flusher, rc *http.ResponseController, eventType string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	rc.SetWriteDeadline(time.Now().Add(30 * time.Second))
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, jsonData)
	flusher.Flush()
}
