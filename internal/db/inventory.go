package db

import (
	"context"
	"database/sql"
	"fmt"
)

// LotStatusSetGeneral is the status filter used by general availability
// and lot-bin lookup queries (§4.2).
var LotStatusSetGeneral = []string{"Pass", "Blocked", "Current"}

// LotStatusSetSearchExcluded is the status set excluded from lot-search
// modal results (§4.2) — note this is an exclusion set, not an inclusion
// set, and it is deliberately distinct from LotStatusSetGeneral.
var LotStatusSetSearchExcluded = []string{"Hold", "Blocked"}

// variance/staging bin prefixes are excluded from pickable inventory
// regardless of the nettable flag. Configured here rather than in the
// schema because the prefixes are a naming convention, not a foreign key.
var excludedBinPrefixes = []string{"VAR-", "STG-"}

// availableLotBaseQuery is shared by ListAvailableLots and
// ListBinsForLot; both apply the same filter family and FEFO ordering,
// differing only in which key columns are bound.
const availableLotBaseQuery = `
	SELECT l.lot_no, l.item_key, l.location, l.bin_no, l.qty_on_hand,
	       l.qty_committed, l.date_received, l.date_expiry, l.status, l.vendor_lot_no,
	       b.nettable, b.partial_only, b.zone_priority
	FROM lots l
	JOIN bins b ON b.location = l.location AND b.bin_no = l.bin_no
	WHERE l.item_key = $1
	  AND l.location = $2
	  AND (l.qty_on_hand - l.qty_committed) > 0
	  AND l.status = ANY($3)
	  AND (l.date_expiry IS NULL OR l.date_expiry >= now())
	  AND (l.qty_on_hand - l.qty_committed) >= $4
	  AND b.nettable = true
	  AND b.partial_only = false
	  AND b.bin_no NOT LIKE ANY($5)
`

const fefoOrdering = `
	ORDER BY l.date_expiry ASC NULLS LAST,
	         b.zone_priority DESC,
	         (l.qty_on_hand - l.qty_committed) ASC,
	         l.lot_no ASC
`

func likePatterns(prefixes []string) []string {
	patterns := make([]string, len(prefixes))
	for i, p := range prefixes {
		patterns[i] = p + "%"
	}
	return patterns
}

func scanLotRow(rows *sql.Rows) (Lot, Bin, error) {
	var l Lot
	var b Bin
	err := rows.Scan(
		&l.LotNo, &l.ItemKey, &l.Location, &l.BinNo, &l.QtyOnHand,
		&l.QtyCommitted, &l.DateReceived, &l.DateExpiry, &l.Status, &l.VendorLotNo,
		&b.Nettable, &b.PartialOnly, &b.ZonePriority,
	)
	b.Location, b.BinNo = l.Location, l.BinNo
	return l, b, err
}

// AvailableLot pairs a lot with its bin for the purposes of FEFO ranking
// and over-the-wire serialization.
type AvailableLot struct {
	Lot Lot
	Bin Bin
}

// ListAvailableLots implements C2's list_available_lots(item_key, run_no)
// contract (§4.2). packSizeKG is the requesting batch-line's pack size —
// a lot with less than one bag's worth of available quantity is
// unusable and excluded.
func (q *Queries) ListAvailableLots(ctx context.Context, itemKey, location string, packSizeKG float64) ([]AvailableLot, error) {
	query := fmt.Sprintf("%s %s", availableLotBaseQuery, fefoOrdering)
	rows, err := q.db.QueryContext(ctx, query, itemKey, location, pqStringArray(LotStatusSetGeneral), packSizeKG, pqStringArray(likePatterns(excludedBinPrefixes)))
	if err != nil {
		return nil, fmt.Errorf("list available lots: %w", err)
	}
	defer rows.Close()

	var out []AvailableLot
	for rows.Next() {
		l, b, err := scanLotRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan available lot: %w", err)
		}
		out = append(out, AvailableLot{Lot: l, Bin: b})
	}
	return out, rows.Err()
}

// ListBinsForLot implements list_bins_for_lot(run_no, lot_no, item_key):
// the same filter family narrowed to a single lot, FEFO-ordered by zone
// priority (the expiry/quantity keys degenerate to a single lot but the
// zone-priority tie-break still matters across its bins).
func (q *Queries) ListBinsForLot(ctx context.Context, lotNo, itemKey, location string) ([]AvailableLot, error) {
	query := fmt.Sprintf(`
		SELECT l.lot_no, l.item_key, l.location, l.bin_no, l.qty_on_hand,
		       l.qty_committed, l.date_received, l.date_expiry, l.status, l.vendor_lot_no,
		       b.nettable, b.partial_only, b.zone_priority
		FROM lots l
		JOIN bins b ON b.location = l.location AND b.bin_no = l.bin_no
		WHERE l.lot_no = $1 AND l.item_key = $2 AND l.location = $3
		  AND (l.qty_on_hand - l.qty_committed) > 0
		  AND l.status = ANY($4)
		  AND (l.date_expiry IS NULL OR l.date_expiry >= now())
		  AND b.nettable = true
		  AND b.partial_only = false
		  AND b.bin_no NOT LIKE ANY($5)
		%s`, fefoOrdering)

	rows, err := q.db.QueryContext(ctx, query, lotNo, itemKey, location, pqStringArray(LotStatusSetGeneral), pqStringArray(likePatterns(excludedBinPrefixes)))
	if err != nil {
		return nil, fmt.Errorf("list bins for lot: %w", err)
	}
	defer rows.Close()

	var out []AvailableLot
	for rows.Next() {
		l, b, err := scanLotRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lot bin: %w", err)
		}
		out = append(out, AvailableLot{Lot: l, Bin: b})
	}
	return out, rows.Err()
}

// SearchLots implements the lot-search modal's distinct status filter:
// explicitly exclude Hold/Blocked rather than allow-listing a set (§4.2).
func (q *Queries) SearchLots(ctx context.Context, itemKey, location string) ([]AvailableLot, error) {
	query := fmt.Sprintf(`
		SELECT l.lot_no, l.item_key, l.location, l.bin_no, l.qty_on_hand,
		       l.qty_committed, l.date_received, l.date_expiry, l.status, l.vendor_lot_no,
		       b.nettable, b.partial_only, b.zone_priority
		FROM lots l
		JOIN bins b ON b.location = l.location AND b.bin_no = l.bin_no
		WHERE l.item_key = $1 AND l.location = $2
		  AND (l.qty_on_hand - l.qty_committed) > 0
		  AND NOT (l.status = ANY($3))
		  AND (l.date_expiry IS NULL OR l.date_expiry >= now())
		%s`, fefoOrdering)

	rows, err := q.db.QueryContext(ctx, query, itemKey, location, pqStringArray(LotStatusSetSearchExcluded))
	if err != nil {
		return nil, fmt.Errorf("search lots: %w", err)
	}
	defer rows.Close()

	var out []AvailableLot
	for rows.Next() {
		l, b, err := scanLotRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan searched lot: %w", err)
		}
		out = append(out, AvailableLot{Lot: l, Bin: b})
	}
	return out, rows.Err()
}

// InventorySnapshotRow is one lot entry in an inventory_snapshot result.
type InventorySnapshotRow struct {
	Lot          Lot
	LowStock     bool
	ExpiringSoon bool
}

// InventorySnapshot implements inventory_snapshot(item_key, location):
// one row per lot with low-stock and near-expiry flags (§4.2). LowStock
// compares each lot's own available quantity to safetyStockKG; no
// item-level on-hand or available totals are computed.
func (q *Queries) InventorySnapshot(ctx context.Context, itemKey, location string, safetyStockKG float64, expiryWarningDays int) ([]InventorySnapshotRow, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT lot_no, item_key, location, bin_no, qty_on_hand, qty_committed,
		       date_received, date_expiry, status, vendor_lot_no
		FROM lots
		WHERE item_key = $1 AND location = $2
		ORDER BY date_expiry ASC NULLS LAST, lot_no ASC`,
		itemKey, location)
	if err != nil {
		return nil, fmt.Errorf("inventory snapshot: %w", err)
	}
	defer rows.Close()

	var out []InventorySnapshotRow
	for rows.Next() {
		var l Lot
		if err := rows.Scan(&l.LotNo, &l.ItemKey, &l.Location, &l.BinNo, &l.QtyOnHand,
			&l.QtyCommitted, &l.DateReceived, &l.DateExpiry, &l.Status, &l.VendorLotNo); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		row := InventorySnapshotRow{Lot: l}
		row.LowStock = l.Available() < safetyStockKG
		if l.DateExpiry.Valid {
			row.ExpiringSoon = daysUntil(l.DateExpiry.Time) <= expiryWarningDays
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// BatchLineState implements batch_line_state(run_no, row_num, line_id).
func (q *Queries) BatchLineState(ctx context.Context, runNo string, rowNum, lineID int) (*BatchLine, error) {
	var bl BatchLine
	row := q.db.QueryRowContext(ctx, `
		SELECT run_no, row_num, line_id, item_key, batch_no, pack_size_kg,
		       to_pick_units, picked_units, picked_kg, status, picking_date,
		       modified_by, modified_date
		FROM batch_lines
		WHERE run_no = $1 AND row_num = $2 AND line_id = $3`,
		runNo, rowNum, lineID)

	err := row.Scan(&bl.RunNo, &bl.RowNum, &bl.LineID, &bl.ItemKey, &bl.BatchNo,
		&bl.PackSizeKG, &bl.ToPickUnits, &bl.PickedUnits, &bl.PickedKG, &bl.Status,
		&bl.PickingDate, &bl.ModifiedBy, &bl.ModifiedDate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("batch line state: %w", err)
	}
	return &bl, nil
}
