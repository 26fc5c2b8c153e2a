package algo

import (
	"fmt"
	"sort"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/gertjaap/verthash-go"
	sha256 "github.com/minio/sha256-simd"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/crypto/sha3"
)

func sha256d(header []byte, _ uint32) ([]byte, error) {
	first := sha256.Sum256(header)
	second := sha256.Sum256(first[:])
	return second[:], nil
}

// Litecoin-style scrypt: N=1024, r=1, p=1, the header is both password and
// salt.
func scryptHash(header []byte, _ uint32) ([]byte, error) {
	return scrypt.Key(header, header, 1024, 1, 1, 32)
}

// DefaultScryptNTable is the Vertcoin N schedule.
var DefaultScryptNTable = map[uint64]int64{
	2048:    1389306217,
	4096:    1456415081,
	8192:    1506746729,
	16384:   1557078377,
	32768:   1607409929,
	65536:   1657741481,
	131072:  1708073033,
	262144:  1758404585,
	524288:  1808736137,
	1048576: 1859067689,
}

type nStep struct {
	n         int
	activates int64
}

// newScryptN picks N from the header timestamp: the largest N whose
// activation time is not after nTime, or 1024 before the first step.
func newScryptN(opts Options) (HashFunc, error) {
	table := opts.TimeTable
	if len(table) == 0 {
		table = DefaultScryptNTable
	}

	steps := make([]nStep, 0, len(table))
	for n, ts := range table {
		if n < 2 || n&(n-1) != 0 {
			return nil, fmt.Errorf("scrypt-n: N=%d is not a power of two", n)
		}
		steps = append(steps, nStep{n: int(n), activates: ts})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].activates < steps[j].activates })

	return func(header []byte, nTime uint32) ([]byte, error) {
		return scrypt.Key(header, header, scryptN(steps, nTime), 1, 1, 32)
	}, nil
}

func scryptN(steps []nStep, nTime uint32) int {
	n := 1024
	for _, s := range steps {
		if int64(nTime) < s.activates {
			break
		}
		n = s.n
	}
	return n
}

func keccak(header []byte, _ uint32) ([]byte, error) {
	h := sha3.NewLegacyKeccak256()
	h.Write(header)
	return h.Sum(nil), nil
}

func blake(header []byte, _ uint32) ([]byte, error) {
	h := blake256.New()
	h.Write(header)
	return h.Sum(nil), nil
}

func blake3Hash(header []byte, _ uint32) ([]byte, error) {
	sum := blake3.Sum256(header)
	return sum[:], nil
}

// newVerthash loads the data file once, when the provider is resolved.
func newVerthash(opts Options) (HashFunc, error) {
	if opts.VerthashData == "" {
		return nil, fmt.Errorf("verthash: data file path not configured")
	}
	vh, err := verthash.NewVerthash(opts.VerthashData, false)
	if err != nil {
		return nil, fmt.Errorf("verthash: load %s: %w", opts.VerthashData, err)
	}
	return func(header []byte, _ uint32) ([]byte, error) {
		sum, err := vh.SumVerthash(header)
		if err != nil {
			return nil, err
		}
		return sum[:], nil
	}, nil
}
