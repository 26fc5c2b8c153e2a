package messaging

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gompcore/internal/jobs"
)

// JobMessage represents a mining job distributed to stratumd services
type JobMessage struct {
	JobID        string    `json:"job_id"`
	PrevHash     string    `json:"prev_hash"`
	Coinb1       string    `json:"coinb1"`
	Coinb2       string    `json:"coinb2"`
	MerkleBranch []string  `json:"merkle_branch"`
	Version      string    `json:"version"`
	NBits        string    `json:"nbits"`
	NTime        string    `json:"ntime"`
	CleanJobs    bool      `json:"clean_jobs"`
	BlockHeight  int64     `json:"block_height"`
	Difficulty   float64   `json:"difficulty"`
	CreatedAt    time.Time `json:"created_at"`
}

func NewJobMessage(job jobs.Job, clean bool, now time.Time) *JobMessage {
	w := job.Work()
	return &JobMessage{
		JobID:        job.ID(),
		PrevHash:     w.PrevHash,
		Coinb1:       w.Coinb1,
		Coinb2:       w.Coinb2,
		MerkleBranch: w.MerkleBranch,
		Version:      w.Version,
		NBits:        w.NBits,
		NTime:        w.NTime,
		CleanJobs:    clean,
		BlockHeight:  job.Template().Height,
		Difficulty:   job.Difficulty(),
		CreatedAt:    now,
	}
}

// BlockCandidateMessage carries a solved block for archival and alerting.
type BlockCandidateMessage struct {
	JobID       string    `json:"job_id"`
	BlockHash   string    `json:"block_hash"`
	BlockHex    string    `json:"block_hex"`
	BlockHeight int64     `json:"block_height"`
	BlockReward int64     `json:"block_reward"`
	Difficulty  float64   `json:"difficulty"`
	ShareDiff   string    `json:"share_diff"`
	WorkerName  string    `json:"worker_name"`
	RemoteAddr  string    `json:"remote_addr"`
	FoundAt     time.Time `json:"found_at"`
}

func NewBlockCandidateMessage(ev *jobs.ShareEvent, blockHex string) *BlockCandidateMessage {
	return &BlockCandidateMessage{
		JobID:       ev.JobID,
		BlockHash:   ev.BlockHash,
		BlockHex:    blockHex,
		BlockHeight: ev.Height,
		BlockReward: ev.BlockReward,
		Difficulty:  ev.Difficulty,
		ShareDiff:   ev.ShareDiff,
		WorkerName:  ev.Worker,
		RemoteAddr:  ev.IP,
		FoundAt:     ev.SubmittedAt,
	}
}

// ShareStruct encodes share telemetry as a protobuf Struct. Rejections carry
// only the fields the manager fills for them.
func ShareStruct(ev *jobs.ShareEvent) (*structpb.Struct, error) {
	fields := map[string]any{
		"job_id":       ev.JobID,
		"ip":           ev.IP,
		"worker":       ev.Worker,
		"difficulty":   ev.Difficulty,
		"submitted_at": ev.SubmittedAt.UTC().Format(time.RFC3339Nano),
	}
	if ev.Error != "" {
		fields["error"] = ev.Error
	} else {
		fields["port"] = ev.Port
		fields["height"] = ev.Height
		fields["block_reward"] = ev.BlockReward
		fields["share_diff"] = ev.ShareDiff
		fields["block_diff"] = ev.BlockDiff
		fields["block_diff_actual"] = ev.BlockDiffActual
		if ev.BlockHash != "" {
			fields["block_hash"] = ev.BlockHash
		}
	}
	return structpb.NewStruct(fields)
}
