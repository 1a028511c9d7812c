package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nwfth/partial-picking/internal/apperrors"
	"github.com/nwfth/partial-picking/internal/queue"
	"github.com/nwfth/partial-picking/internal/services"
)

type putawayTransferRequest struct {
	LotNo       string  `json:"lot_no"`
	ItemKey     string  `json:"item_key"`
	SourceBinNo string  `json:"source_bin_no"`
	DestBinNo   string  `json:"dest_bin_no"`
	QuantityKG  float64 `json:"quantity_kg"`
	UserID      string  `json:"user_id"`
}

// handlePutawayTransfer implements C7 at the HTTP boundary (§4.7).
func (s *Server) handlePutawayTransfer(w http.ResponseWriter, r *http.Request) {
	var body putawayTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAppError(w, apperrors.Validation("malformed request body"))
		return
	}
	userID := requestUserID(r.Context(), body.UserID)

	result, err := s.putaway.Transfer(r.Context(), services.TransferRequest{
		LotNo:       body.LotNo,
		ItemKey:     body.ItemKey,
		SourceBinNo: body.SourceBinNo,
		DestBinNo:   body.DestBinNo,
		QuantityKG:  body.QuantityKG,
		UserID:      userID,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}

	if s.natsManager != nil {
		payload, _ := json.Marshal(map[string]interface{}{
			"lot_no":      body.LotNo,
			"document_no": result.DocumentNo,
		})
		_ = s.natsManager.Publish(queue.GetPutawayMovedSubject(body.LotNo), payload)
	}

	writeJSON(w, http.StatusOK, result)
}

// handlePutawayCandidateBins lists bins a lot transfer could target,
// reusing the same bin-for-lot lookup the pick flow uses (§4.2/§4.7
// share the same bin catalog).
func (s *Server) handlePutawayCandidateBins(w http.ResponseWriter, r *http.Request) {
	lotNo := mux.Vars(r)["lot_no"]
	itemKey := r.URL.Query().Get("item_key")
	if itemKey == "" {
		writeAppError(w, apperrors.Validation("item_key is required"))
		return
	}

	bins, err := s.db.ListBinsForLot(r.Context(), lotNo, itemKey, s.config.WarehouseLocation)
	if err != nil {
		writeAppError(w, apperrors.Internal(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"data": bins})
}
