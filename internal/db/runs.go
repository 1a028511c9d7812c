package db

import (
	"context"
	"database/sql"
	"fmt"
)

// GetItem fetches the catalog entry C3/C4 need for tolerance and pack
// size (spec §3 "Item"). Items are immutable reference data maintained
// outside this service.
func (q *Queries) GetItem(ctx context.Context, itemKey string) (*Item, error) {
	var i Item
	row := q.db.QueryRowContext(ctx, `
		SELECT item_key, description, base_unit, tolerance_kg, pack_size_kg
		FROM items WHERE item_key = $1`, itemKey)
	err := row.Scan(&i.ItemKey, &i.Description, &i.BaseUnit, &i.ToleranceKG, &i.PackSizeKG)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return &i, nil
}

// GetRun fetches a run header by run_no.
func (q *Queries) GetRun(ctx context.Context, runNo string) (*Run, error) {
	var r Run
	row := q.db.QueryRowContext(ctx, `
		SELECT run_no, formula_id, formula_desc, no_of_batches, status
		FROM runs WHERE run_no = $1`, runNo)
	err := row.Scan(&r.RunNo, &r.FormulaID, &r.FormulaDesc, &r.NoOfBatches, &r.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &r, nil
}

// ListBatchLines returns every batch line for a run, ordered the way the
// picking UI walks a run: row by row, then by line within the row.
func (q *Queries) ListBatchLines(ctx context.Context, runNo string) ([]BatchLine, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT run_no, row_num, line_id, item_key, batch_no, pack_size_kg,
		       to_pick_units, picked_units, picked_kg, status, picking_date,
		       modified_by, modified_date
		FROM batch_lines
		WHERE run_no = $1
		ORDER BY row_num, line_id`, runNo)
	if err != nil {
		return nil, fmt.Errorf("list batch lines: %w", err)
	}
	defer rows.Close()

	var out []BatchLine
	for rows.Next() {
		var bl BatchLine
		if err := rows.Scan(&bl.RunNo, &bl.RowNum, &bl.LineID, &bl.ItemKey, &bl.BatchNo,
			&bl.PackSizeKG, &bl.ToPickUnits, &bl.PickedUnits, &bl.PickedKG, &bl.Status,
			&bl.PickingDate, &bl.ModifiedBy, &bl.ModifiedDate); err != nil {
			return nil, fmt.Errorf("scan batch line: %w", err)
		}
		out = append(out, bl)
	}
	return out, rows.Err()
}

// GetBatchLineItem resolves the item backing one batch line — a
// convenience join so handlers don't need two round trips to validate
// and then pick.
func (q *Queries) GetBatchLineItem(ctx context.Context, runNo string, rowNum, lineID int) (*Item, error) {
	var i Item
	row := q.db.QueryRowContext(ctx, `
		SELECT i.item_key, i.description, i.base_unit, i.tolerance_kg, i.pack_size_kg
		FROM batch_lines b JOIN items i ON i.item_key = b.item_key
		WHERE b.run_no = $1 AND b.row_num = $2 AND b.line_id = $3`, runNo, rowNum, lineID)
	err := row.Scan(&i.ItemKey, &i.Description, &i.BaseUnit, &i.ToleranceKG, &i.PackSizeKG)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get batch line item: %w", err)
	}
	return &i, nil
}
