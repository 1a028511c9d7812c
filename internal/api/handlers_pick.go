package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/nwfth/partial-picking/internal/apperrors"
	"github.com/nwfth/partial-picking/internal/queue"
	"github.com/nwfth/partial-picking/internal/services"
)

// pickRequestBody mirrors §6's canonical pick request shape, plus
// `partial` to select the small-quantity weighing variant of §4.4.3 —
// the core spec's shape has no variant selector because the original
// system routed the two flavors to distinct endpoints; this service
// folds them into one request body instead.
type pickRequestBody struct {
	RunNo         string  `json:"run_no"`
	RowNum        int     `json:"row_num"`
	LineID        int     `json:"line_id"`
	LotNo         string  `json:"lot_no"`
	BinNo         string  `json:"bin_no"`
	PickedQty     float64 `json:"picked_qty"`
	WorkstationID string  `json:"workstation_id"`
	UserID        string  `json:"user_id"`
	Partial       bool    `json:"partial"`
}

// handleConfirmPick implements the Pick Transaction Engine entry point,
// serving both `/picks` and `/runs/{run}/confirm-pick`.
func (s *Server) handleConfirmPick(w http.ResponseWriter, r *http.Request) {
	var body pickRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAppError(w, apperrors.Validation("malformed request body"))
		return
	}
	if runNo := mux.Vars(r)["run"]; runNo != "" {
		body.RunNo = runNo
	}

	userID := requestUserID(r.Context(), body.UserID)

	item, err := s.db.GetBatchLineItem(r.Context(), body.RunNo, body.RowNum, body.LineID)
	if err != nil {
		writeAppError(w, apperrors.Internal(err))
		return
	}
	if item == nil {
		writeAppError(w, apperrors.NotFound("batch line not found"))
		return
	}

	req := services.PickRequest{
		RunNo:         body.RunNo,
		RowNum:        body.RowNum,
		LineID:        body.LineID,
		LotNo:         body.LotNo,
		BinNo:         body.BinNo,
		PickedUnits:   body.PickedQty,
		WorkstationID: body.WorkstationID,
		UserID:        userID,
	}

	result, err := s.pickEngine.Pick(r.Context(), req, *item, body.Partial)
	if err != nil {
		writeAppError(w, err)
		return
	}

	s.publishPickCommitted(body.RunNo, result)
	if result.RunCompleted {
		s.publishRunCompleted(body.RunNo)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transaction_id":  result.TransactionID,
		"document_no":     result.DocumentNo,
		"pallet_id":       result.PalletID,
		"updated_summary": result.UpdatedSummary,
		"run_completed":   result.RunCompleted,
		"warnings":        result.Warnings,
	})
}

type unpickRequestBody struct {
	LotTranNo *int64  `json:"lot_tran_no,omitempty"`
	LotNo     *string `json:"lot_no,omitempty"`
	ItemKey   string  `json:"item_key,omitempty"`
	UserID    string  `json:"user_id"`
	Partial   bool    `json:"partial"`
}

// handleUnpick implements all three flavors of §4.4.4, dispatched by
// which fields the body carries: lot_tran_no alone reverses one
// allocation; lot_no (with item_key) reverses one lot across an
// ingredient; neither reverses the whole ingredient synchronously for
// the row/line pair named in the path.
func (s *Server) handleUnpick(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	runNo := vars["run"]

	var body unpickRequestBody
	decodeJSONBody(r, &body)
	userID := requestUserID(r.Context(), body.UserID)

	var result *services.UnpickResult
	var err error

	switch {
	case body.LotTranNo != nil:
		result, err = s.pickEngine.UnpickByLotTranNo(r.Context(), *body.LotTranNo, userID, body.Partial)
	case body.LotNo != nil:
		if body.ItemKey == "" {
			writeAppError(w, apperrors.Validation("item_key is required alongside lot_no"))
			return
		}
		result, err = s.pickEngine.UnpickLotForIngredient(r.Context(), runNo, body.ItemKey, *body.LotNo, userID)
	default:
		itemKey := body.ItemKey
		if itemKey == "" {
			rowNum, _ := strconv.Atoi(vars["row_num"])
			lineID, _ := strconv.Atoi(vars["line_id"])
			item, lookupErr := s.db.GetBatchLineItem(r.Context(), runNo, rowNum, lineID)
			if lookupErr != nil {
				writeAppError(w, apperrors.Internal(lookupErr))
				return
			}
			if item == nil {
				writeAppError(w, apperrors.NotFound("batch line not found"))
				return
			}
			itemKey = item.ItemKey
		}
		result, err = s.pickEngine.UnpickEntireIngredient(r.Context(), runNo, itemKey, userID)
	}

	if err != nil {
		writeAppError(w, err)
		return
	}

	s.publishPickReversed(runNo)

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) publishPickCommitted(runNo string, result *services.PickResult) {
	if s.natsManager == nil {
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"run_no":         runNo,
		"transaction_id": result.TransactionID,
		"document_no":    result.DocumentNo,
	})
	_ = s.natsManager.Publish(queue.GetPickCommittedSubject(runNo), payload)
}

func (s *Server) publishPickReversed(runNo string) {
	if s.natsManager == nil {
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{"run_no": runNo})
	_ = s.natsManager.Publish(queue.GetPickReversedSubject(runNo), payload)
}

func (s *Server) publishRunCompleted(runNo string) {
	if s.natsManager == nil {
		return
	}
	payload, _ := json.Marshal(map[string]interface{}{"run_no": runNo})
	_ = s.natsManager.Publish(queue.GetRunCompletedSubject(runNo), payload)
}
