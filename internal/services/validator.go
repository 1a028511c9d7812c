package services

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/nwfth/partial-picking/internal/apperrors"
	"github.com/nwfth/partial-picking/internal/db"
)

// Validator is C3: a stateless predicate engine whose reads run on the
// shared connection pool, outside the Pick Transaction Engine's write
// transaction. It does not hold a dedicated connection or set an
// isolation level, so its lookups are separate statements rather than
// one snapshot.
type Validator struct {
	queries *db.Queries
}

func NewValidator(queries *db.Queries) *Validator {
	return &Validator{queries: queries}
}

// PickRequest is the canonical pick request shape (§6). PickedUnits is a
// bag count for a bulk pick and a weighed kg figure for a partial pick
// (§4.4.3) — the caller's `partial` flag tells Validate and the engine
// which one it's holding.
type PickRequest struct {
	RunNo         string
	RowNum        int
	LineID        int
	LotNo         string
	BinNo         string
	PickedUnits   float64
	WorkstationID string
	UserID        string
}

// ValidationResult carries the checked state plus any non-fatal warnings
// (§4.3.7) alongside a nil error.
type ValidationResult struct {
	BatchLine      *db.BatchLine
	Lot            db.Lot
	RequestedKG    float64
	RequestedUnits float64
	Warnings       []string
}

// Validate runs the full C3 predicate chain in order, short-circuiting on
// the first failure (§4.3). partial selects the small-quantity weighing
// variant of §4.4.3: req.PickedUnits then carries the actual weighed kg
// directly rather than a bag count, and the tolerance check in step 7
// compares it against the line's pack size instead of a unit-derived
// figure.
func (v *Validator) Validate(ctx context.Context, req PickRequest, location string, item db.Item, partial bool) (*ValidationResult, error) {
	// 1. Parameter sanity.
	if strings.TrimSpace(req.LotNo) == "" || strings.TrimSpace(req.BinNo) == "" {
		return nil, apperrors.Validation("lot_no and bin_no are required")
	}
	if req.PickedUnits <= 0 {
		return nil, apperrors.Validation("picked_qty must be greater than zero")
	}

	// 2. Batch-line exists.
	line, err := v.queries.BatchLineState(ctx, req.RunNo, req.RowNum, req.LineID)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	if line == nil {
		return nil, apperrors.NotFound(fmt.Sprintf("batch line %s/%d/%d not found", req.RunNo, req.RowNum, req.LineID))
	}

	// 3. Already-completed detection. Null picked_units must read as zero,
	// never as "already complete" (§4.2 null-coalescing pitfall, §8).
	remaining := line.RemainingUnits()
	if remaining <= 0 {
		log.Printf("pick rejected: batch line %s/%d/%d already completed (to_pick=%v picked=%v)",
			req.RunNo, req.RowNum, req.LineID, line.ToPickUnits, line.PickedUnitsOrZero())
		return nil, apperrors.BatchAlreadyCompleted()
	}

	// Bulk picks submit a bag count (req.PickedUnits); partial picks
	// submit the actual weighed kg directly (§4.4.3). Everything past
	// this point works in kg, converting back to a unit-equivalent only
	// where the source compares against unit-denominated fields.
	var requestedKG float64
	if partial {
		requestedKG = req.PickedUnits
	} else {
		requestedKG = req.PickedUnits * line.PackSizeKG
	}
	requestedUnits := requestedKG / line.PackSizeKG

	// 4. Per-line over-pick.
	if requestedUnits > remaining {
		return nil, apperrors.OverPick(remaining)
	}

	// 5. Ingredient-level saturation across the run, joined on item_key
	// only — NOT on line_id (that join was a source bug; see spec §4.3.5).
	ingredientTotal, ingredientPicked, err := v.ingredientTotals(ctx, req.RunNo, line.ItemKey)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	if ingredientPicked+requestedUnits > ingredientTotal {
		return nil, apperrors.Validation("requested units would exceed the ingredient's total requirement across the run")
	}

	// 6. Lot availability in the chosen bin.
	lots, err := v.queries.ListBinsForLot(ctx, req.LotNo, line.ItemKey, location)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	var chosen *db.Lot
	for i := range lots {
		if lots[i].Lot.BinNo == req.BinNo {
			chosen = &lots[i].Lot
			break
		}
	}
	if chosen == nil {
		return nil, apperrors.LotNotFound(req.LotNo)
	}
	if requestedKG > chosen.Available() {
		return nil, apperrors.InsufficientInventory(chosen.Available() / line.PackSizeKG)
	}

	result := &ValidationResult{BatchLine: line, Lot: *chosen, RequestedKG: requestedKG, RequestedUnits: requestedUnits}

	// 7. Weight tolerance (partial-pick variant only — zero tolerance
	// implies an exact match is required). to_pick_kg is the line's pack
	// size: partial picking weighs one bag/pallet's worth at a time
	// against the item's tolerance.
	if partial && item.ToleranceKG >= 0 {
		toPickKG := line.PackSizeKG
		low := toPickKG - item.ToleranceKG
		high := toPickKG + item.ToleranceKG
		if requestedKG < low || requestedKG > high {
			return nil, apperrors.Validation(fmt.Sprintf(
				"weight %.3fkg is outside the allowed tolerance [%.3f, %.3f]kg", requestedKG, low, high))
		}
	}

	if chosen.Available() > 0 && requestedKG >= chosen.Available()*0.9 {
		result.Warnings = append(result.Warnings, "this pick will consume over 90% of the chosen lot's available quantity")
	}
	if requestedKG == remaining*line.PackSizeKG {
		result.Warnings = append(result.Warnings, "this pick will complete the batch line")
	}

	return result, nil
}

// ingredientTotals sums to_pick_units and picked_units across every
// batch-line sharing item_key within the run, regardless of row_num or
// line_id (§4.3.5).
func (v *Validator) ingredientTotals(ctx context.Context, runNo, itemKey string) (toPick, picked float64, err error) {
	row := v.queries.DB().QueryRowContext(ctx, `
		SELECT COALESCE(SUM(to_pick_units), 0), COALESCE(SUM(picked_units), 0)
		FROM batch_lines
		WHERE run_no = $1 AND item_key = $2`,
		runNo, itemKey)
	if err := row.Scan(&toPick, &picked); err != nil {
		return 0, 0, fmt.Errorf("ingredient totals: %w", err)
	}
	return toPick, picked, nil
}
