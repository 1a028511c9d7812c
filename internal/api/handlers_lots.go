package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nwfth/partial-picking/internal/apperrors"
)

// handleListAvailableLots implements C2's list_available_lots contract
// (§4.2), FEFO-ordered. The query-concurrency limiter gates how many of
// these can run against the pool at once, the same ceiling the teacher
// applied to outbound M3 calls (§4.9).
func (s *Server) handleListAvailableLots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	itemKey := q.Get("item_key")
	runNo := q.Get("run_no")
	if itemKey == "" {
		writeAppError(w, apperrors.Validation("item_key is required"))
		return
	}

	release, err := s.queryLimiter.Acquire(r.Context())
	if err != nil {
		writeAppError(w, apperrors.Internal(err))
		return
	}
	defer release()

	item, err := s.db.GetItem(r.Context(), itemKey)
	if err != nil {
		writeAppError(w, apperrors.Internal(err))
		return
	}
	if item == nil {
		writeAppError(w, apperrors.NotFound("item not found"))
		return
	}

	lots, err := s.db.ListAvailableLots(r.Context(), itemKey, s.config.WarehouseLocation, item.PackSizeKG)
	if err != nil {
		writeAppError(w, apperrors.Internal(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"run_no": runNo, "data": lots})
}

// handleListBinsForLot implements list_bins_for_lot (§4.2).
func (s *Server) handleListBinsForLot(w http.ResponseWriter, r *http.Request) {
	lotNo := mux.Vars(r)["lot_no"]
	q := r.URL.Query()
	itemKey := q.Get("item_key")
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

// handleSearchLots implements the lot-search modal's exclusion-set
// filter, distinct from the general availability filter (§4.2).
func (s *Server) handleSearchLots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	itemKey := q.Get("item_key")
	if itemKey == "" {
		writeAppError(w, apperrors.Validation("item_key is required"))
		return
	}

	lots, err := s.db.SearchLots(r.Context(), itemKey, s.config.WarehouseLocation)
	if err != nil {
		writeAppError(w, apperrors.Internal(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"data": lots})
}

// handleInventorySnapshot implements inventory_snapshot (§4.2).
func (s *Server) handleInventorySnapshot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	itemKey := q.Get("item_key")
	if itemKey == "" {
		writeAppError(w, apperrors.Validation("item_key is required"))
		return
	}

	rows, err := s.db.InventorySnapshot(r.Context(), itemKey, s.config.WarehouseLocation,
		s.config.SafetyStockThresholdKG, s.config.ExpiryWarningDays)
	if err != nil {
		writeAppError(w, apperrors.Internal(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"data": rows})
}
