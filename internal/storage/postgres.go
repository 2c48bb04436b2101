// Package storage implements PostgreSQL-backed persistence for the chain
// state: block headers and their transaction envelopes, the Utreexo
// forest's root snapshots, and the set of spent nullifiers. It generalizes
// the teacher's block/transaction tables and internal/zkp's TreeStore/
// NullifierStore interfaces into the single accumulator this module uses:
// the Utreexo forest is both the commitment tree and the nullifier set's
// anchor, so there is one persistence layer instead of two.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ccoin/zkvm-core/pkg/types"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicate     = errors.New("duplicate entry")
	ErrInvalidData   = errors.New("invalid data")
	ErrDBConnection  = errors.New("database connection error")
	ErrNullifierUsed = errors.New("nullifier already spent")
)

// PostgresStore implements persistent storage using PostgreSQL
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int32
}

// DefaultConfig returns default database configuration
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     5432,
		User:     "zkvm",
		Password: "",
		Database: "zkvm",
		SSLMode:  "disable",
		MaxConns: 20,
	}
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(ctx context.Context, cfg *Config) (*PostgresStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode, cfg.MaxConns,
	)

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDBConnection, err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDBConnection, err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// ============================================
// Block Operations
// ============================================

// SaveBlock saves a block header and its carried transaction envelopes. The
// forest roots the header commits to (UtxoRoot) are saved separately via
// SaveForestState once the caller has actually applied the block's
// insertions/deletions to a WorkForest — SaveBlock only records the chain
// entry itself.
func (s *PostgresStore) SaveBlock(ctx context.Context, block *types.Block) error {
	header := block.Header

	query := `
		INSERT INTO blocks (
			hash, version, height, prev_id, timestamp_ms, tx_root, utxo_root,
			extra, signature, is_main_chain
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (hash) DO NOTHING
	`

	hash := blockHash(&header)
	_, err := s.pool.Exec(ctx, query,
		hash[:],
		header.Version,
		header.Height,
		header.PrevID[:],
		header.TimestampMs,
		header.TxRoot[:],
		header.UtxoRoot[:],
		header.Extra,
		header.Signature[:],
		false,
	)
	if err != nil {
		return fmt.Errorf("failed to save block: %w", err)
	}

	for i, tx := range block.Txs {
		if err := s.saveBlockTx(ctx, hash, i, tx); err != nil {
			return fmt.Errorf("failed to save block transaction: %w", err)
		}
	}

	return nil
}

func (s *PostgresStore) saveBlockTx(ctx context.Context, blockHash types.Hash, index int, tx types.BlockTx) error {
	query := `
		INSERT INTO block_txs (block_hash, tx_index, tx_bytes, input_proofs)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (block_hash, tx_index) DO UPDATE SET tx_bytes = $3, input_proofs = $4
	`
	_, err := s.pool.Exec(ctx, query, blockHash[:], index, tx.TxBytes, tx.InputProofs)
	return err
}

// GetBlock retrieves a complete block by hash
func (s *PostgresStore) GetBlock(ctx context.Context, hash types.Hash) (*types.Block, error) {
	header, err := s.GetBlockHeader(ctx, hash)
	if err != nil {
		return nil, err
	}

	txs, err := s.getBlockTxs(ctx, hash)
	if err != nil {
		return nil, err
	}

	return &types.Block{Header: *header, Txs: txs}, nil
}

// GetBlockHeader retrieves a block header by hash
func (s *PostgresStore) GetBlockHeader(ctx context.Context, hash types.Hash) (*types.BlockHeader, error) {
	query := `
		SELECT version, height, prev_id, timestamp_ms, tx_root, utxo_root, extra, signature
		FROM blocks WHERE hash = $1
	`

	var header types.BlockHeader
	var prevID, txRoot, utxoRoot, signature []byte

	err := s.pool.QueryRow(ctx, query, hash[:]).Scan(
		&header.Version,
		&header.Height,
		&prevID,
		&header.TimestampMs,
		&txRoot,
		&utxoRoot,
		&header.Extra,
		&signature,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get block header: %w", err)
	}

	copy(header.PrevID[:], prevID)
	copy(header.TxRoot[:], txRoot)
	copy(header.UtxoRoot[:], utxoRoot)
	copy(header.Signature[:], signature)

	return &header, nil
}

// GetBlocksByHeight returns all blocks at a given height (more than one
// when competing chains haven't been resolved yet).
func (s *PostgresStore) GetBlocksByHeight(ctx context.Context, height uint64) ([]*types.BlockHeader, error) {
	query := `SELECT hash FROM blocks WHERE height = $1`
	return s.headersForHashQuery(ctx, query, height)
}

// GetChildren returns blocks whose PrevID is hash.
func (s *PostgresStore) GetChildren(ctx context.Context, hash types.Hash) ([]types.Hash, error) {
	query := `SELECT hash FROM blocks WHERE prev_id = $1`
	rows, err := s.pool.Query(ctx, query, hash[:])
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var children []types.Hash
	for rows.Next() {
		var hashBytes []byte
		if err := rows.Scan(&hashBytes); err != nil {
			return nil, err
		}
		var childHash types.Hash
		copy(childHash[:], hashBytes)
		children = append(children, childHash)
	}
	return children, rows.Err()
}

// GetMainChain returns main chain block headers in height order.
func (s *PostgresStore) GetMainChain(ctx context.Context, fromHeight, toHeight uint64) ([]*types.BlockHeader, error) {
	query := `
		SELECT hash FROM blocks
		WHERE is_main_chain = TRUE AND height >= $1 AND height <= $2
		ORDER BY height ASC
	`
	return s.headersForHashQuery(ctx, query, fromHeight, toHeight)
}

// UpdateMainChain updates main chain membership after a reorg.
func (s *PostgresStore) UpdateMainChain(ctx context.Context, onChain, offChain []types.Hash) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, hash := range onChain {
		if _, err := tx.Exec(ctx, "UPDATE blocks SET is_main_chain = TRUE WHERE hash = $1", hash[:]); err != nil {
			return err
		}
	}
	for _, hash := range offChain {
		if _, err := tx.Exec(ctx, "UPDATE blocks SET is_main_chain = FALSE WHERE hash = $1", hash[:]); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// GetChainTip returns the highest main-chain block header, the anchor a
// new block's PrevID should extend.
func (s *PostgresStore) GetChainTip(ctx context.Context) (*types.BlockHeader, error) {
	query := `SELECT hash FROM blocks WHERE is_main_chain = TRUE ORDER BY height DESC LIMIT 1`
	var hashBytes []byte
	err := s.pool.QueryRow(ctx, query).Scan(&hashBytes)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var hash types.Hash
	copy(hash[:], hashBytes)
	return s.GetBlockHeader(ctx, hash)
}

func (s *PostgresStore) headersForHashQuery(ctx context.Context, query string, args ...interface{}) ([]*types.BlockHeader, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var headers []*types.BlockHeader
	for rows.Next() {
		var hashBytes []byte
		if err := rows.Scan(&hashBytes); err != nil {
			return nil, err
		}
		var hash types.Hash
		copy(hash[:], hashBytes)
		header, err := s.GetBlockHeader(ctx, hash)
		if err != nil {
			return nil, err
		}
		headers = append(headers, header)
	}
	return headers, rows.Err()
}

func (s *PostgresStore) getBlockTxs(ctx context.Context, blockHash types.Hash) ([]types.BlockTx, error) {
	query := `
		SELECT tx_bytes, input_proofs FROM block_txs
		WHERE block_hash = $1 ORDER BY tx_index ASC
	`
	rows, err := s.pool.Query(ctx, query, blockHash[:])
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []types.BlockTx
	for rows.Next() {
		var bt types.BlockTx
		if err := rows.Scan(&bt.TxBytes, &bt.InputProofs); err != nil {
			return nil, err
		}
		txs = append(txs, bt)
	}
	return txs, rows.Err()
}

func blockHash(h *types.BlockHeader) types.Hash {
	return types.HashFromBytes(h.EncodeHeader(nil))
}

// ============================================
// Forest state (Utreexo persistence)
// ============================================

// ForestState is a forest's persisted snapshot: its generation and the
// 64-slot root array (a nil entry means that level has no root).
type ForestState struct {
	Height     uint64
	Generation uint64
	Roots      [64]*types.Hash
}

// ForestStore persists Utreexo forest checkpoints, one per block height, so
// a node restarting mid-chain can resume from the last applied block
// instead of replaying the whole history through the accumulator.
type ForestStore interface {
	SaveForestState(ctx context.Context, state *ForestState) error
	LoadForestState(ctx context.Context, height uint64) (*ForestState, error)
	LoadLatestForestState(ctx context.Context) (*ForestState, error)
}

// SaveForestState persists a forest checkpoint.
func (s *PostgresStore) SaveForestState(ctx context.Context, state *ForestState) error {
	roots := make([][]byte, 64)
	for i, r := range state.Roots {
		if r != nil {
			roots[i] = r[:]
		}
	}
	query := `
		INSERT INTO forest_state (height, generation, roots)
		VALUES ($1, $2, $3)
		ON CONFLICT (height) DO UPDATE SET generation = $2, roots = $3
	`
	_, err := s.pool.Exec(ctx, query, state.Height, state.Generation, roots)
	if err != nil {
		return fmt.Errorf("failed to save forest state: %w", err)
	}
	return nil
}

// LoadForestState loads the forest checkpoint for a specific height.
func (s *PostgresStore) LoadForestState(ctx context.Context, height uint64) (*ForestState, error) {
	query := `SELECT generation, roots FROM forest_state WHERE height = $1`
	return s.scanForestState(ctx, query, height)
}

// LoadLatestForestState loads the most recently saved forest checkpoint.
func (s *PostgresStore) LoadLatestForestState(ctx context.Context) (*ForestState, error) {
	query := `SELECT height, generation, roots FROM forest_state ORDER BY height DESC LIMIT 1`
	var state ForestState
	var roots [][]byte
	err := s.pool.QueryRow(ctx, query).Scan(&state.Height, &state.Generation, &roots)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load forest state: %w", err)
	}
	fillRoots(&state, roots)
	return &state, nil
}

func (s *PostgresStore) scanForestState(ctx context.Context, query string, height uint64) (*ForestState, error) {
	state := &ForestState{Height: height}
	var roots [][]byte
	err := s.pool.QueryRow(ctx, query, height).Scan(&state.Generation, &roots)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load forest state: %w", err)
	}
	fillRoots(state, roots)
	return state, nil
}

func fillRoots(state *ForestState, roots [][]byte) {
	for i, r := range roots {
		if i >= len(state.Roots) {
			break
		}
		if len(r) == types.HashSize {
			h := types.HashFromBytes(r)
			state.Roots[i] = &h
		}
	}
}

// ============================================
// Nullifier set
// ============================================

// NullifierInfo records when and by what a nullifier was spent.
type NullifierInfo struct {
	Nullifier   types.Hash
	TxHash      types.Hash
	BlockHeight uint64
}

// NullifierStore tracks the set of nullifiers the accumulator has already
// seen spent, independent of the forest's own membership proofs: a
// nullifier is checked once at block-apply time and never needs walking a
// Merkle path again.
type NullifierStore interface {
	HasNullifier(ctx context.Context, nullifier types.Hash) (bool, error)
	AddNullifier(ctx context.Context, nullifier, txHash types.Hash, blockHeight uint64) error
	GetNullifierInfo(ctx context.Context, nullifier types.Hash) (*NullifierInfo, error)
}

// HasNullifier reports whether nullifier has already been recorded spent.
func (s *PostgresStore) HasNullifier(ctx context.Context, nullifier types.Hash) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM nullifiers WHERE nullifier = $1)`
	if err := s.pool.QueryRow(ctx, query, nullifier[:]).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// AddNullifier records nullifier as spent by txHash at blockHeight. Returns
// ErrNullifierUsed if it was already recorded (a double-spend attempt).
func (s *PostgresStore) AddNullifier(ctx context.Context, nullifier, txHash types.Hash, blockHeight uint64) error {
	spent, err := s.HasNullifier(ctx, nullifier)
	if err != nil {
		return err
	}
	if spent {
		return ErrNullifierUsed
	}
	query := `INSERT INTO nullifiers (nullifier, tx_hash, block_height) VALUES ($1, $2, $3)`
	_, err = s.pool.Exec(ctx, query, nullifier[:], txHash[:], blockHeight)
	return err
}

// AddNullifiers records a batch of nullifiers spent by the same
// transaction, in a single round trip.
func (s *PostgresStore) AddNullifiers(ctx context.Context, nullifiers []types.Hash, txHash types.Hash, blockHeight uint64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, n := range nullifiers {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM nullifiers WHERE nullifier = $1)`, n[:]).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrNullifierUsed
		}
		if _, err := tx.Exec(ctx, `INSERT INTO nullifiers (nullifier, tx_hash, block_height) VALUES ($1, $2, $3)`, n[:], txHash[:], blockHeight); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// GetNullifierInfo returns the recorded spend details for nullifier.
func (s *PostgresStore) GetNullifierInfo(ctx context.Context, nullifier types.Hash) (*NullifierInfo, error) {
	query := `SELECT nullifier, tx_hash, block_height FROM nullifiers WHERE nullifier = $1`
	info := &NullifierInfo{}
	var nullBytes, txBytes []byte
	err := s.pool.QueryRow(ctx, query, nullifier[:]).Scan(&nullBytes, &txBytes, &info.BlockHeight)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	copy(info.Nullifier[:], nullBytes)
	copy(info.TxHash[:], txBytes)
	return info, nil
}
