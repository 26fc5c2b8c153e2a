package jobs

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/bardlex/gompcore/internal/algo"
)

// Submission is one mining.submit as seen by the session layer.
type Submission struct {
	JobID string
	// PreviousDifficulty is the worker's difficulty before its latest
	// retarget, or zero if there was none.
	PreviousDifficulty float64
	Difficulty         float64
	ExtraNonce1        string
	ExtraNonce2        string
	NTime              string
	Nonce              string
	IP                 string
	Port               int
	Worker             string
}

// ShareResult is the outcome of ProcessShare. Error is set exactly when the
// share was rejected, and then no other field is meaningful.
type ShareResult struct {
	Error *ShareError

	Accepted bool
	// BlockHash and BlockHex are set when the share solved a block.
	BlockHash string
	BlockHex  string
	// Difficulty is the difficulty the share was credited at.
	Difficulty        float64
	ShareDiff         float64
	BlockDiffAdjusted float64
}

// ProcessShare validates a share and emits its telemetry. Rejections are
// ordinary results, never Go errors.
func (m *Manager) ProcessShare(sub *Submission) *ShareResult {
	submitTime := m.now()

	job, ok := m.ValidJob(sub.JobID)
	if !ok {
		return m.reject(sub, ErrJobNotFound)
	}

	if len(sub.NTime) != 8 {
		return m.reject(sub, ErrNTimeSize)
	}
	nTimeBytes, err := hex.DecodeString(sub.NTime)
	if err != nil {
		return m.reject(sub, ErrNTimeSize)
	}
	nTime := binary.LittleEndian.Uint32(nTimeBytes)
	maxTime := submitTime.Unix() + int64(m.policy.MaxNTimeDrift.Seconds())
	if int64(nTime) > maxTime || int64(nTime) < job.Template().MinTime {
		return m.reject(sub, ErrNTimeOutOfRange)
	}

	if len(sub.ExtraNonce2)%2 != 0 || len(sub.ExtraNonce2)/2 != job.ExtraNonce2Size() || !isHex(sub.ExtraNonce2) {
		return m.reject(sub, ErrExtraNonce2Size)
	}

	if len(sub.Nonce) != 8 || !isHex(sub.Nonce) {
		return m.reject(sub, ErrNonceSize)
	}

	if !job.RegisterSubmit(sub.ExtraNonce1, sub.ExtraNonce2, sub.NTime, sub.Nonce) {
		return m.reject(sub, ErrDuplicateShare)
	}

	header, err := job.SerializeHeader(sub.ExtraNonce1, sub.ExtraNonce2, sub.NTime, sub.Nonce)
	if err != nil {
		m.logger.WithError(err).Warn("serialize header failed", "job_id", job.ID())
		return m.reject(sub, ErrMalformedShare)
	}

	digest, err := m.hash(header, nTime)
	if err != nil {
		m.logger.WithError(err).Error("proof-of-work hash failed", "job_id", job.ID(), "algorithm", m.hasher.Name)
		return m.reject(sub, ErrHashingFailed)
	}

	headerValue := leUint256(digest)
	shareDiff := shareDifficulty(headerValue, m.hasher.Multiplier)
	blockDiffAdjusted := job.Difficulty() * m.hasher.Multiplier
	difficulty := sub.Difficulty

	var blockHash, blockHex string
	if headerValue.Cmp(job.Target()) <= 0 {
		block, err := job.SerializeBlock(header, sub.ExtraNonce1, sub.ExtraNonce2)
		if err != nil {
			m.logger.WithError(err).Error("serialize block failed", "job_id", job.ID())
			return m.reject(sub, ErrMalformedShare)
		}
		id, err := m.hasher.BlockID(header, nTime, digest)
		if err != nil {
			m.logger.WithError(err).Error("block hash failed", "job_id", job.ID())
			return m.reject(sub, ErrHashingFailed)
		}
		blockHex = hex.EncodeToString(block)
		blockHash = reversedHex(id)
	} else if shareDiff/difficulty < m.policy.DifficultyTolerance {
		if m.policy.AcceptPreviousDifficulty && sub.PreviousDifficulty > 0 && shareDiff >= sub.PreviousDifficulty {
			difficulty = sub.PreviousDifficulty
		} else {
			return m.reject(sub, lowDifficulty(shareDiff))
		}
	}

	tpl := job.Template()
	ev := &ShareEvent{
		JobID:           job.ID(),
		IP:              sub.IP,
		Port:            sub.Port,
		Worker:          sub.Worker,
		Height:          tpl.Height,
		BlockReward:     tpl.CoinbaseValue,
		Difficulty:      difficulty,
		ShareDiff:       strconv.FormatFloat(shareDiff, 'f', 8, 64),
		BlockDiff:       blockDiffAdjusted,
		BlockDiffActual: job.Difficulty(),
		BlockHash:       blockHash,
		SubmittedAt:     submitTime,
	}
	if blockHash != "" {
		m.logger.LogBlockCandidate(blockHash, tpl.Height, sub.Worker, ev.ShareDiff)
	} else {
		m.logger.LogShare(job.ID(), sub.Worker, difficulty, ev.ShareDiff, "")
	}
	m.emitShare(ev, blockHex)

	return &ShareResult{
		Accepted:          true,
		BlockHash:         blockHash,
		BlockHex:          blockHex,
		Difficulty:        difficulty,
		ShareDiff:         shareDiff,
		BlockDiffAdjusted: blockDiffAdjusted,
	}
}

func (m *Manager) reject(sub *Submission, shareErr *ShareError) *ShareResult {
	m.logger.LogShare(sub.JobID, sub.Worker, sub.Difficulty, "", shareErr.Message)
	m.emitShare(&ShareEvent{
		JobID:       sub.JobID,
		IP:          sub.IP,
		Worker:      sub.Worker,
		Difficulty:  sub.Difficulty,
		Error:       shareErr.Message,
		SubmittedAt: m.now(),
	}, "")
	return &ShareResult{Error: shareErr}
}

// hash runs the proof-of-work function inside the bounded worker set.
func (m *Manager) hash(header []byte, nTime uint32) ([]byte, error) {
	m.hashers.Add()
	defer m.hashers.Done()
	return m.hasher.Hash(header, nTime)
}

// leUint256 reads a digest as a little-endian unsigned integer.
func leUint256(digest []byte) *big.Int {
	be := make([]byte, len(digest))
	for i, b := range digest {
		be[len(digest)-1-i] = b
	}
	return new(big.Int).SetBytes(be)
}

func reversedHex(b []byte) string {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return hex.EncodeToString(out)
}

// shareDifficulty is diff1 / headerValue * multiplier. A zero headerValue
// gives +Inf.
func shareDifficulty(headerValue *big.Int, multiplier float64) float64 {
	if headerValue.Sign() == 0 {
		return math.Inf(1)
	}
	q := new(big.Float).Quo(new(big.Float).SetInt(algo.Diff1()), new(big.Float).SetInt(headerValue))
	f, _ := q.Float64()
	return f * multiplier
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return true
}

// formatNumber renders n as JavaScript's Number#toString does: plain
// decimal for 1e-6 <= |n| < 1e21, otherwise exponent form with an unpadded
// exponent ("1.5e-8", "1e+21").
func formatNumber(n float64) string {
	abs := math.Abs(n)
	if n == 0 || (abs >= 1e-6 && abs < 1e21) {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	s := strconv.FormatFloat(n, 'e', -1, 64)
	i := strings.IndexByte(s, 'e')
	mantissa, sign, exp := s[:i], s[i+1], strings.TrimLeft(s[i+2:], "0")
	if exp == "" {
		exp = "0"
	}
	return mantissa + "e" + string(sign) + exp
}
