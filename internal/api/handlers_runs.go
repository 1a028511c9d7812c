package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/nwfth/partial-picking/internal/apperrors"
	"github.com/nwfth/partial-picking/internal/queue"
)

// handleGetRun returns the run header plus the distinct row numbers it
// carries, so a picking client can enumerate batches without a second
// round trip.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runNo := mux.Vars(r)["run_no"]

	run, err := s.db.GetRun(r.Context(), runNo)
	if err != nil {
		writeAppError(w, apperrors.Internal(err))
		return
	}
	if run == nil {
		writeAppError(w, apperrors.NotFound("run not found"))
		return
	}

	lines, err := s.db.ListBatchLines(r.Context(), runNo)
	if err != nil {
		writeAppError(w, apperrors.Internal(err))
		return
	}

	rowNums := map[int]bool{}
	var order []int
	for _, l := range lines {
		if !rowNums[l.RowNum] {
			rowNums[l.RowNum] = true
			order = append(order, l.RowNum)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_no":       run.RunNo,
		"formula_id":   run.FormulaID,
		"formula_desc": run.FormulaDesc,
		"no_of_batches": run.NoOfBatches,
		"status":        run.Status,
		"row_numbers":   order,
	})
}

type batchLineItem struct {
	RowNum       int      `json:"row_num"`
	LineID       int      `json:"line_id"`
	ItemKey      string   `json:"item_key"`
	BatchNo      string   `json:"batch_no"`
	PackSizeKG   float64  `json:"pack_size_kg"`
	ToPickUnits  float64  `json:"to_pick_units"`
	PickedUnits  float64  `json:"picked_units"`
	Remaining    float64  `json:"remaining_units"`
	Status       *string  `json:"status,omitempty"`
}

// handleListBatchLineItems returns every ingredient line for one batch
// row with target/picked/remaining already derived (§4.2 null-coalescing
// rule applied server-side so clients never re-derive it incorrectly).
func (s *Server) handleListBatchLineItems(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	runNo := vars["run_no"]

	lines, err := s.db.ListBatchLines(r.Context(), runNo)
	if err != nil {
		writeAppError(w, apperrors.Internal(err))
		return
	}

	rowNum := vars["row_num"]
	out := make([]batchLineItem, 0, len(lines))
	for i := range lines {
		l := &lines[i]
		if strconv.Itoa(l.RowNum) != rowNum {
			continue
		}
		item := batchLineItem{
			RowNum:      l.RowNum,
			LineID:      l.LineID,
			ItemKey:     l.ItemKey,
			BatchNo:     l.BatchNo,
			PackSizeKG:  l.PackSizeKG,
			ToPickUnits: l.ToPickUnits,
			PickedUnits: l.PickedUnitsOrZero(),
			Remaining:   l.RemainingUnits(),
		}
		if l.Status.Valid {
			s := l.Status.String
			item.Status = &s
		}
		out = append(out, item)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"data": out})
}

// handleRunCompletion reports C5's per-ingredient and overall completion
// state for a run (§4.5).
func (s *Server) handleRunCompletion(w http.ResponseWriter, r *http.Request) {
	runNo := mux.Vars(r)["run_no"]

	ingredients, err := s.runs.IngredientCompletionStatus(r.Context(), runNo)
	if err != nil {
		writeAppError(w, apperrors.Internal(err))
		return
	}
	completed, err := s.runs.RunCompleted(r.Context(), runNo)
	if err != nil {
		writeAppError(w, apperrors.Internal(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_no":      runNo,
		"ingredients": ingredients,
		"completed":   completed,
	})
}

type revertStatusRequest struct {
	UserID string `json:"user_id"`
}

// handleRevertStatus implements the manual PRINT -> NEW revert.
func (s *Server) handleRevertStatus(w http.ResponseWriter, r *http.Request) {
	runNo := mux.Vars(r)["run"]

	var req revertStatusRequest
	decodeJSONBody(r, &req)
	userID := requestUserID(r.Context(), req.UserID)

	reverted, err := s.runs.RevertStatus(r.Context(), runNo, userID, time.Now())
	if err != nil {
		writeAppError(w, err)
		return
	}
	if reverted && s.natsManager != nil {
		payload, _ := json.Marshal(map[string]interface{}{"run_no": runNo})
		_ = s.natsManager.Publish(queue.GetRunRevertedSubject(runNo), payload)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"reverted": reverted})
}
