package db

import (
	"database/sql"
	"encoding/json"
	"time"
)

// ========================================
// PICKING DOMAIN MODELS
// ========================================

// Item is an immutable catalog entry (spec §3 "Item").
type Item struct {
	ItemKey     string
	Description string
	BaseUnit    string
	ToleranceKG float64
	PackSizeKG  float64
}

// Lot is one inventory unit at a (lot, item, location, bin) key.
type Lot struct {
	LotNo        string
	ItemKey      string
	Location     string
	BinNo        string
	QtyOnHand    float64
	QtyCommitted float64
	DateReceived sql.NullTime
	DateExpiry   sql.NullTime
	Status       string
	VendorLotNo  sql.NullString
}

// Available returns qty_on_hand minus qty_committed.
func (l *Lot) Available() float64 {
	return l.QtyOnHand - l.QtyCommitted
}

// Bin carries the metadata the query layer needs to filter/rank lots.
type Bin struct {
	Location     string
	BinNo        string
	Nettable     bool
	PartialOnly  bool
	ZonePriority int
}

// Run is a production run (spec §3 "Run").
type Run struct {
	RunNo       string
	FormulaID   string
	FormulaDesc string
	NoOfBatches int
	Status      string // NEW | PRINT
}

// BatchLine is one ingredient requirement in one batch row.
type BatchLine struct {
	RunNo        string
	RowNum       int
	LineID       int
	ItemKey      string
	BatchNo      string
	PackSizeKG   float64
	ToPickUnits  float64
	PickedUnits  sql.NullFloat64
	PickedKG     sql.NullFloat64
	Status       sql.NullString
	PickingDate  sql.NullTime
	ModifiedBy   sql.NullString
	ModifiedDate sql.NullTime
}

// PickedUnitsOrZero applies the null-coalescing rule of §4.2: a NULL
// picked_units means zero picked, not an unknown/short-circuited value.
func (b *BatchLine) PickedUnitsOrZero() float64 {
	if !b.PickedUnits.Valid {
		return 0
	}
	return b.PickedUnits.Float64
}

// RemainingUnits computes to_pick_units - coalesce(picked_units, 0).
func (b *BatchLine) RemainingUnits() float64 {
	return b.ToPickUnits - b.PickedUnitsOrZero()
}

// Allocation is one row per (lot, bin) pick into a BatchLine.
type Allocation struct {
	LotTranNo       int64
	RunNo           string
	RowNum          int
	LineID          int
	ItemKey         string
	BatchNo         string
	LotNo           string
	Location        string
	BinNo           string
	QtyReceived     float64 // kg
	PackSizeKG      float64
	PalletNo        string
	PalletID        sql.NullInt64
	Status          string
	TransactionType int
	RecordedBy      string
	CreatedAt       time.Time
	// Partial-pick variant extra fields (§4.4.3).
	VendorLotNo  sql.NullString
	DateExpiry   sql.NullTime
	ReceiptDocNo sql.NullString
}

// LotTransaction is the append-only audit ledger row (spec §3 "LotTransaction").
type LotTransaction struct {
	LotTranNo       int64
	TransactionType int
	IssueDocNo      string
	IssueDocLineNo  int
	ReceiptDocNo    string
	LotNo           string
	ItemKey         string
	Location        string
	BinNo           string
	QtyIssued       float64
	SourceMarker    string
	RecordedBy      string
	CreatedAt       time.Time
}

// PickSourceMarker distinguishes pick-originated ledger rows from
// receipts/transfers/issues written by other subsystems (spec §6).
const PickSourceMarker = "Picking Customization"

// PickTransactionType is the LotTransaction.transaction_type for picks.
const PickTransactionType = 5

// PutawayIssueTransactionType / PutawayReceiptTransactionType are the
// LotTransaction type codes used by the Putaway Transfer Engine (§4.7).
const (
	PutawayIssueTransactionType   = 9
	PutawayReceiptTransactionType = 8
)

// PutawaySourceMarker tags the issue/receipt legs written by the
// Putaway Transfer Engine. PickSourceMarker is reserved for
// pick-originated rows (§6); transfers get their own marker so the
// unpick compensator's source-marker scoping (§4.4.5) can never be
// confused by a transfer leg even incidentally.
const PutawaySourceMarker = "Putaway Transfer"

// PalletTraceability maps a batch-line key to a pallet id (at most one row).
type PalletTraceability struct {
	RunNo      string
	RowNum     int
	LineID     int
	PalletID   int64
	ModifiedBy string
	ModifiedAt time.Time
}

// SequenceCounter names the two monotonic counters C1 serves.
type SequenceCounter string

const (
	SequenceDocument SequenceCounter = "BT"
	SequencePallet   SequenceCounter = "PT"
)

// User is the local/directory-sourced identity record (spec §3 "User").
type User struct {
	Username          string
	FirstName         string
	LastName          string
	Email             sql.NullString
	Department        sql.NullString
	AuthSource        string // Local | Directory
	DistinguishedName sql.NullString
	LastSyncAt        sql.NullTime
	Enabled           bool
	AppPermissions    string
	PasswordHash      sql.NullString
}

// BinTransferLink records a putaway leg referencing its issue transaction.
type BinTransferLink struct {
	ID               int64
	IssueTranNo      int64
	ReceiptTranNo    int64
	DocumentNo       string
	SourceBinNo      string
	DestinationBinNo string
	CreatedAt        time.Time
}

// MovementJournalEntry is the general movement ledger header row (§4.7
// phase 2), distinct from LotTransaction.
type MovementJournalEntry struct {
	ID           int64
	DocumentNo   string
	MovementType string
	LotNo        string
	ItemKey      string
	Location     string
	RecordedBy   string
	CreatedAt    time.Time
}

// BulkUnpickJob tracks an asynchronous "unpick an entire ingredient" request.
type BulkUnpickJob struct {
	ID                   string
	RunNo                string
	ItemKey              string
	Status               string // queued | running | completed | failed | cancelled
	TotalAllocations     int
	ProcessedAllocations int
	ProgressPct          int
	ErrorMessage         sql.NullString
	RequestedBy          string
	CreatedAt            time.Time
	StartedAt            sql.NullTime
	CompletedAt          sql.NullTime
	RetryCount           int
	MaxRetries           int
}

// ========================================
// AUDIT LOG MODELS (generic operational audit trail, distinct from the
// LotTransaction domain ledger above)
// ========================================

// AuditLog represents an operational audit log entry (logins, reverts,
// admin actions) — not the picking ledger.
type AuditLog struct {
	ID         int64           `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	UserID     sql.NullString  `json:"user_id,omitempty"`
	UserName   sql.NullString  `json:"user_name,omitempty"`
	EntityType string          `json:"entity_type"`
	EntityID   sql.NullString  `json:"entity_id,omitempty"`
	Operation  string          `json:"operation"`
	Warehouse  sql.NullString  `json:"warehouse,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	IPAddress  sql.NullString  `json:"ip_address,omitempty"`
	UserAgent  sql.NullString  `json:"user_agent,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// CreateAuditLogParams contains parameters for creating an audit log.
type CreateAuditLogParams struct {
	EntityType string
	EntityID   sql.NullString
	Operation  string
	UserID     sql.NullString
	UserName   sql.NullString
	Warehouse  sql.NullString
	Metadata   json.RawMessage
	IPAddress  sql.NullString
	UserAgent  sql.NullString
}

// GetAuditLogsParams contains parameters for querying audit logs.
type GetAuditLogsParams struct {
	Warehouse  sql.NullString
	EntityType sql.NullString
	Operation  sql.NullString
	UserID     sql.NullString
	StartTime  sql.NullTime
	EndTime    sql.NullTime
	Limit      int32
	Offset     int32
}
