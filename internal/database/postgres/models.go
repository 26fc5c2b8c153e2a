package postgres

import (
	"database/sql"
	"strconv"
	"time"

	"github.com/bardlex/gompcore/internal/jobs"
)

// Block statuses.
const (
	BlockPending   = "pending"
	BlockSubmitted = "submitted"
	BlockRejected  = "rejected"
)

// Share is an accepted share.
type Share struct {
	ID          int64          `db:"id"`
	JobID       string         `db:"job_id"`
	Worker      string         `db:"worker"`
	IP          string         `db:"ip"`
	Port        int            `db:"port"`
	BlockHeight int64          `db:"block_height"`
	Difficulty  float64        `db:"difficulty"`
	ShareDiff   float64        `db:"share_diff"`
	BlockDiff   float64        `db:"block_diff"`
	BlockHash   sql.NullString `db:"block_hash"`
	SubmittedAt time.Time      `db:"submitted_at"`
}

// Block is a share that met the network target.
type Block struct {
	ID         int64     `db:"id"`
	Height     int64     `db:"height"`
	Hash       string    `db:"hash"`
	JobID      string    `db:"job_id"`
	Worker     string    `db:"worker"`
	Reward     int64     `db:"reward"`
	Difficulty float64   `db:"difficulty"`
	ShareDiff  float64   `db:"share_diff"`
	BlockHex   string    `db:"block_hex"`
	Status     string    `db:"status"`
	FoundAt    time.Time `db:"found_at"`
}

// ShareFromEvent maps accepted share telemetry to a row.
func ShareFromEvent(ev *jobs.ShareEvent) *Share {
	s := &Share{
		JobID:       ev.JobID,
		Worker:      ev.Worker,
		IP:          ev.IP,
		Port:        ev.Port,
		BlockHeight: ev.Height,
		Difficulty:  ev.Difficulty,
		ShareDiff:   parseDiff(ev.ShareDiff),
		BlockDiff:   ev.BlockDiff,
		SubmittedAt: ev.SubmittedAt,
	}
	if ev.BlockHash != "" {
		s.BlockHash = sql.NullString{String: ev.BlockHash, Valid: true}
	}
	return s
}

// BlockFromEvent maps a block candidate to a pending block row.
func BlockFromEvent(ev *jobs.ShareEvent, blockHex string) *Block {
	return &Block{
		Height:     ev.Height,
		Hash:       ev.BlockHash,
		JobID:      ev.JobID,
		Worker:     ev.Worker,
		Reward:     ev.BlockReward,
		Difficulty: ev.BlockDiffActual,
		ShareDiff:  parseDiff(ev.ShareDiff),
		BlockHex:   blockHex,
		Status:     BlockPending,
		FoundAt:    ev.SubmittedAt,
	}
}

func parseDiff(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
