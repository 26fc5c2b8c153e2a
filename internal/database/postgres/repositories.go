package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"github.com/lib/pq"
)

// uniqueViolation is the SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// ShareRepository handles share-related database operations
type ShareRepository struct {
	db *sql.DB
}

// NewShareRepository creates a new share repository
func NewShareRepository(db *sql.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

// CreateShare inserts an accepted share and sets its ID.
func (r *ShareRepository) CreateShare(ctx context.Context, share *Share) error {
	query := `
		INSERT INTO shares (job_id, worker, ip, port, block_height, difficulty,
		                    share_diff, block_diff, block_hash, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		share.JobID, share.Worker, share.IP, share.Port, share.BlockHeight,
		share.Difficulty, share.ShareDiff, share.BlockDiff, share.BlockHash, share.SubmittedAt,
	).Scan(&share.ID)

	if err != nil {
		return fmt.Errorf("failed to create share: %w", err)
	}

	return nil
}

// CountSharesByWorker returns how many shares worker has had accepted.
func (r *ShareRepository) CountSharesByWorker(ctx context.Context, worker string) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM shares WHERE worker = $1`, worker).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count shares: %w", err)
	}
	return n, nil
}

// BlockRepository handles block-related database operations
type BlockRepository struct {
	db *sql.DB
}

// NewBlockRepository creates a new block repository
func NewBlockRepository(db *sql.DB) *BlockRepository {
	return &BlockRepository{db: db}
}

// CreateBlock inserts a block candidate. A block already recorded under the
// same hash is left as is.
func (r *BlockRepository) CreateBlock(ctx context.Context, block *Block) error {
	query := `
		INSERT INTO blocks (height, hash, job_id, worker, reward, difficulty,
		                    share_diff, block_hex, status, found_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		block.Height, block.Hash, block.JobID, block.Worker, block.Reward,
		block.Difficulty, block.ShareDiff, block.BlockHex, block.Status, block.FoundAt,
	).Scan(&block.ID)

	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("failed to create block: %w", err)
	}

	return nil
}

// UpdateBlockStatus records the node's verdict on a submitted block.
func (r *BlockRepository) UpdateBlockStatus(ctx context.Context, hash, status string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE blocks SET status = $1 WHERE hash = $2`, status, hash)
	if err != nil {
		return fmt.Errorf("failed to update block status: %w", err)
	}

	return nil
}

// GetRecentBlocks retrieves recent blocks, newest first.
func (r *BlockRepository) GetRecentBlocks(ctx context.Context, limit int) ([]*Block, error) {
	query := `
		SELECT id, height, hash, job_id, worker, reward, difficulty, share_diff,
		       block_hex, status, found_at
		FROM blocks
		ORDER BY found_at DESC
		LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var blocks []*Block
	for rows.Next() {
		block := &Block{}
		err := rows.Scan(
			&block.ID, &block.Height, &block.Hash, &block.JobID, &block.Worker,
			&block.Reward, &block.Difficulty, &block.ShareDiff, &block.BlockHex,
			&block.Status, &block.FoundAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		blocks = append(blocks, block)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blocks: %w", err)
	}

	return blocks, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return stderrors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
