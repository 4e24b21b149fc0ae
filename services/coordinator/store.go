package coordinator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"dealescrow/native/deal"
	"dealescrow/services/settlement"
)

// Record is the coordinator's durable view of one deal: the creation
// parameters needed to re-derive intent after a crash plus bookkeeping.
type Record struct {
	DealID            string                `json:"dealId"`
	BusinessID        string                `json:"businessId"`
	ContractAddress   string                `json:"contractAddress"`
	Funder            string                `json:"funder"`
	Beneficiary       string                `json:"beneficiary"`
	Custodian         string                `json:"custodian"`
	TotalAmount       string                `json:"totalAmount"`
	BeneficiaryAmount string                `json:"beneficiaryAmount"`
	Deadline          uint32                `json:"deadline"`
	FundingLowerBound uint32                `json:"fundingLowerBound"`
	Referrals         []settlement.Referral `json:"referrals,omitempty"`
	Status            string                `json:"status"`
	PendingAction     string                `json:"pendingAction,omitempty"`
	FundingTxHash     string                `json:"fundingTxHash,omitempty"`
	LastPolledAt      time.Time             `json:"lastPolledAt"`
	Settled           bool                  `json:"settled"`
	Archived          bool                  `json:"archived"`
	CreatedAt         time.Time             `json:"createdAt"`
	UpdatedAt         time.Time             `json:"updatedAt"`
}

// Config rebuilds the contract configuration from the stored parameters.
func (r *Record) Config() (deal.Config, error) {
	id, err := deal.ParseDealIDHex(r.DealID)
	if err != nil {
		return deal.Config{}, err
	}
	total, err := uint256.FromDecimal(r.TotalAmount)
	if err != nil {
		return deal.Config{}, fmt.Errorf("total amount: %w", err)
	}
	ben, err := uint256.FromDecimal(r.BeneficiaryAmount)
	if err != nil {
		return deal.Config{}, fmt.Errorf("beneficiary amount: %w", err)
	}
	return deal.Config{
		DealID:            id,
		Funder:            common.HexToAddress(r.Funder),
		Beneficiary:       common.HexToAddress(r.Beneficiary),
		Custodian:         common.HexToAddress(r.Custodian),
		TotalAmount:       total,
		BeneficiaryAmount: ben,
		Deadline:          r.Deadline,
	}, nil
}

// Address returns the contract address as bytes.
func (r *Record) Address() [20]byte {
	return common.HexToAddress(r.ContractAddress)
}

// DispatchState is a journal entry state. PENDING and PROCESSING are
// in-flight; CONFIRMED and FAILED are terminal.
type DispatchState string

const (
	DispatchPending    DispatchState = "PENDING"
	DispatchProcessing DispatchState = "PROCESSING"
	DispatchConfirmed  DispatchState = "CONFIRMED"
	DispatchFailed     DispatchState = "FAILED"
)

// Terminal reports whether the state is final.
func (s DispatchState) Terminal() bool {
	return s == DispatchConfirmed || s == DispatchFailed
}

// Dispatch is a journalled signed submission.
type Dispatch struct {
	ID               uuid.UUID     `json:"id"`
	DealID           string        `json:"dealId"`
	Action           string        `json:"action"`
	FavorBeneficiary bool          `json:"favorBeneficiary,omitempty"`
	NewDeadline      uint32        `json:"newDeadline,omitempty"`
	QueryID          uint64        `json:"queryId"`
	Fingerprint      string        `json:"fingerprint"`
	State            DispatchState `json:"state"`
	Sequence         *uint64       `json:"sequence,omitempty"`
	TxHash           string        `json:"txHash,omitempty"`
	ExitCode         uint32        `json:"exitCode,omitempty"`
	Error            string        `json:"error,omitempty"`
	Attempts         int           `json:"attempts"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// Store persists coordinator records and the dispatch journal in SQLite. It
// shares the pure-Go driver the settlement books use through gorm, so both
// can live in one binary.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// OpenStore opens (and migrates) the SQLite database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	store := &Store{db: db, now: time.Now}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS deals (
            deal_id TEXT PRIMARY KEY,
            business_id TEXT NOT NULL,
            contract_address TEXT NOT NULL UNIQUE,
            params TEXT NOT NULL,
            status TEXT NOT NULL,
            pending_action TEXT,
            funding_tx_hash TEXT,
            last_polled_at TIMESTAMP,
            settled INTEGER NOT NULL DEFAULT 0,
            archived INTEGER NOT NULL DEFAULT 0,
            created_at TIMESTAMP NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS dispatches (
            id TEXT PRIMARY KEY,
            deal_id TEXT NOT NULL,
            action TEXT NOT NULL,
            payload TEXT NOT NULL,
            query_id INTEGER NOT NULL,
            fingerprint TEXT NOT NULL,
            state TEXT NOT NULL,
            sequence INTEGER,
            tx_hash TEXT,
            exit_code INTEGER NOT NULL DEFAULT 0,
            error TEXT,
            attempts INTEGER NOT NULL DEFAULT 0,
            created_at TIMESTAMP NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS dispatches_state ON dispatches(state);`,
		`CREATE INDEX IF NOT EXISTS dispatches_fingerprint ON dispatches(fingerprint);`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// recordParams is the JSON column holding immutable creation parameters.
type recordParams struct {
	Funder            string                `json:"funder"`
	Beneficiary       string                `json:"beneficiary"`
	Custodian         string                `json:"custodian"`
	TotalAmount       string                `json:"totalAmount"`
	BeneficiaryAmount string                `json:"beneficiaryAmount"`
	Deadline          uint32                `json:"deadline"`
	FundingLowerBound uint32                `json:"fundingLowerBound"`
	Referrals         []settlement.Referral `json:"referrals,omitempty"`
}

// InsertRecord stores a new record. It returns ErrConflict when the deal id
// already exists.
func (s *Store) InsertRecord(ctx context.Context, rec Record) error {
	params, err := json.Marshal(recordParams{
		Funder:            rec.Funder,
		Beneficiary:       rec.Beneficiary,
		Custodian:         rec.Custodian,
		TotalAmount:       rec.TotalAmount,
		BeneficiaryAmount: rec.BeneficiaryAmount,
		Deadline:          rec.Deadline,
		FundingLowerBound: rec.FundingLowerBound,
		Referrals:         rec.Referrals,
	})
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO deals(deal_id, business_id, contract_address, params, status, pending_action, funding_tx_hash, last_polled_at, settled, archived, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt, rec.DealID, rec.BusinessID, rec.ContractAddress, string(params), rec.Status,
		rec.PendingAction, rec.FundingTxHash, rec.LastPolledAt.UTC(), boolInt(rec.Settled), boolInt(rec.Archived),
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC())
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return fmt.Errorf("%w: %s", ErrConflict, rec.DealID)
	}
	return err
}

const recordColumns = `deal_id, business_id, contract_address, params, status, pending_action, funding_tx_hash, last_polled_at, settled, archived, created_at, updated_at`

// GetRecord loads the record for dealID.
func (s *Store) GetRecord(ctx context.Context, dealID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM deals WHERE deal_id = ?`, dealID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListActive returns every record that has not been archived.
func (s *Store) ListActive(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM deals WHERE archived = 0 ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// RecordUpdate carries the mutable fields of a record. Nil fields are left
// untouched.
type RecordUpdate struct {
	Status        *string
	PendingAction *string
	FundingTxHash *string
	LastPolledAt  *time.Time
	Settled       *bool
	Archived      *bool
}

// UpdateRecord applies upd to the record for dealID.
func (s *Store) UpdateRecord(ctx context.Context, dealID string, upd RecordUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []interface{}{s.now().UTC()}
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.PendingAction != nil {
		sets = append(sets, "pending_action = ?")
		args = append(args, *upd.PendingAction)
	}
	if upd.FundingTxHash != nil {
		sets = append(sets, "funding_tx_hash = ?")
		args = append(args, *upd.FundingTxHash)
	}
	if upd.LastPolledAt != nil {
		sets = append(sets, "last_polled_at = ?")
		args = append(args, upd.LastPolledAt.UTC())
	}
	if upd.Settled != nil {
		sets = append(sets, "settled = ?")
		args = append(args, boolInt(*upd.Settled))
	}
	if upd.Archived != nil {
		sets = append(sets, "archived = ?")
		args = append(args, boolInt(*upd.Archived))
	}
	args = append(args, dealID)
	res, err := s.db.ExecContext(ctx, `UPDATE deals SET `+strings.Join(sets, ", ")+` WHERE deal_id = ?`, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec           Record
		params        string
		pendingAction sql.NullString
		fundingTxHash sql.NullString
		lastPolledAt  sql.NullTime
		settled       int
		archived      int
	)
	if err := row.Scan(&rec.DealID, &rec.BusinessID, &rec.ContractAddress, &params, &rec.Status, &pendingAction,
		&fundingTxHash, &lastPolledAt, &settled, &archived, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	var p recordParams
	if err := json.Unmarshal([]byte(params), &p); err != nil {
		return nil, fmt.Errorf("decode params for %s: %w", rec.DealID, err)
	}
	rec.Funder = p.Funder
	rec.Beneficiary = p.Beneficiary
	rec.Custodian = p.Custodian
	rec.TotalAmount = p.TotalAmount
	rec.BeneficiaryAmount = p.BeneficiaryAmount
	rec.Deadline = p.Deadline
	rec.FundingLowerBound = p.FundingLowerBound
	rec.Referrals = p.Referrals
	rec.PendingAction = pendingAction.String
	rec.FundingTxHash = fundingTxHash.String
	if lastPolledAt.Valid {
		rec.LastPolledAt = lastPolledAt.Time
	}
	rec.Settled = settled != 0
	rec.Archived = archived != 0
	return &rec, nil
}

type dispatchPayload struct {
	FavorBeneficiary bool   `json:"favorBeneficiary,omitempty"`
	NewDeadline      uint32 `json:"newDeadline,omitempty"`
}

// InsertDispatch journals a new dispatch in the PENDING state.
func (s *Store) InsertDispatch(ctx context.Context, d Dispatch) error {
	payload, err := json.Marshal(dispatchPayload{FavorBeneficiary: d.FavorBeneficiary, NewDeadline: d.NewDeadline})
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO dispatches(id, deal_id, action, payload, query_id, fingerprint, state, sequence, tx_hash, exit_code, error, attempts, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, NULL, '', 0, '', 0, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt, d.ID.String(), d.DealID, d.Action, string(payload), int64(d.QueryID), d.Fingerprint,
		string(d.State), d.CreatedAt.UTC(), d.UpdatedAt.UTC())
	return err
}

// MarkProcessing records the sequence and transaction hash about to be
// submitted. It runs before the network call so a crash leaves enough to
// find the transaction on the ledger.
func (s *Store) MarkProcessing(ctx context.Context, id uuid.UUID, sequence uint64, txHash string) error {
	const stmt = `UPDATE dispatches SET state = ?, sequence = ?, tx_hash = ?, attempts = attempts + 1, updated_at = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, stmt, string(DispatchProcessing), int64(sequence), txHash, s.now().UTC(), id.String())
	return err
}

// FinishDispatch moves a dispatch to a terminal state.
func (s *Store) FinishDispatch(ctx context.Context, id uuid.UUID, state DispatchState, txHash string, exitCode uint32, errMsg string) error {
	if !state.Terminal() {
		return fmt.Errorf("coordinator: %s is not a terminal dispatch state", state)
	}
	const stmt = `UPDATE dispatches SET state = ?, tx_hash = CASE WHEN ? = '' THEN tx_hash ELSE ? END, exit_code = ?, error = ?, updated_at = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, stmt, string(state), txHash, txHash, int64(exitCode), errMsg, s.now().UTC(), id.String())
	return err
}

const dispatchColumns = `id, deal_id, action, payload, query_id, fingerprint, state, sequence, tx_hash, exit_code, error, attempts, created_at, updated_at`

// GetDispatch loads a journal entry.
func (s *Store) GetDispatch(ctx context.Context, id uuid.UUID) (*Dispatch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dispatchColumns+` FROM dispatches WHERE id = ?`, id.String())
	d, err := scanDispatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// InFlightByFingerprint returns the non-terminal dispatch with fingerprint,
// if any.
func (s *Store) InFlightByFingerprint(ctx context.Context, fingerprint string) (*Dispatch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dispatchColumns+` FROM dispatches WHERE fingerprint = ? AND state IN (?, ?) ORDER BY created_at ASC LIMIT 1`,
		fingerprint, string(DispatchPending), string(DispatchProcessing))
	d, err := scanDispatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

// InFlightDispatches lists every PENDING or PROCESSING dispatch, oldest first.
func (s *Store) InFlightDispatches(ctx context.Context) ([]Dispatch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+dispatchColumns+` FROM dispatches WHERE state IN (?, ?) ORDER BY created_at ASC`,
		string(DispatchPending), string(DispatchProcessing))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// DispatchesForDeal lists the journal of one deal, oldest first.
func (s *Store) DispatchesForDeal(ctx context.Context, dealID string) ([]Dispatch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+dispatchColumns+` FROM dispatches WHERE deal_id = ? ORDER BY created_at ASC`, dealID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Dispatch
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func scanDispatch(row rowScanner) (*Dispatch, error) {
	var (
		d        Dispatch
		id       string
		payload  string
		queryID  int64
		state    string
		sequence sql.NullInt64
		txHash   sql.NullString
		exitCode int64
		errMsg   sql.NullString
	)
	if err := row.Scan(&id, &d.DealID, &d.Action, &payload, &queryID, &d.Fingerprint, &state, &sequence, &txHash,
		&exitCode, &errMsg, &d.Attempts, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	d.ID = parsed
	var p dispatchPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, err
	}
	d.FavorBeneficiary = p.FavorBeneficiary
	d.NewDeadline = p.NewDeadline
	d.QueryID = uint64(queryID)
	d.State = DispatchState(state)
	if sequence.Valid {
		seq := uint64(sequence.Int64)
		d.Sequence = &seq
	}
	d.TxHash = txHash.String
	d.ExitCode = uint32(exitCode)
	d.Error = errMsg.String
	return &d, nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
