// Package algo maps proof-of-work algorithm names to hash functions and their
// share difficulty multipliers.
package algo

import (
	"math/big"
	"sort"
	"strings"

	"github.com/bardlex/gompcore/pkg/errors"
)

// HashFunc digests a serialized block header. nTime is the header timestamp
// for algorithms whose parameters change over time.
type HashFunc func(header []byte, nTime uint32) ([]byte, error)

// Provider is the resolved hashing setup for one coin.
type Provider struct {
	Name string
	Hash HashFunc
	// BlockHash, when set, produces the block identifier. Otherwise the
	// proof-of-work digest is the block hash.
	BlockHash  HashFunc
	Multiplier float64
}

// BlockID returns the digest that identifies the block. powDigest is reused
// when the algorithm has no separate block hash.
func (p *Provider) BlockID(header []byte, nTime uint32, powDigest []byte) ([]byte, error) {
	if p.BlockHash == nil {
		return powDigest, nil
	}
	return p.BlockHash(header, nTime)
}

// Options carries the coin-specific inputs some algorithms need.
type Options struct {
	// TimeTable maps scrypt-n N values to their activation timestamps.
	TimeTable map[uint64]int64
	// VerthashData is the path of the verthash data file.
	VerthashData string
}

// Algorithm is a registry entry.
type Algorithm struct {
	New        func(opts Options) (HashFunc, error)
	BlockHash  HashFunc
	Multiplier float64
}

// Registry is an explicit algorithm table. It is built once at startup and is
// not safe for concurrent registration.
type Registry struct {
	algorithms map[string]Algorithm
}

func NewRegistry() *Registry {
	return &Registry{algorithms: make(map[string]Algorithm)}
}

// DefaultRegistry returns a registry with every built-in algorithm.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("sha256d", Algorithm{New: fixed(sha256d), Multiplier: 1})
	r.Register("scrypt", Algorithm{New: fixed(scryptHash), BlockHash: sha256d, Multiplier: 65536})
	r.Register("scrypt-n", Algorithm{New: newScryptN, BlockHash: sha256d, Multiplier: 65536})
	r.Register("keccak", Algorithm{New: fixed(keccak), Multiplier: 256})
	r.Register("blake", Algorithm{New: fixed(blake), Multiplier: 256})
	r.Register("blake3", Algorithm{New: fixed(blake3Hash), Multiplier: 1})
	r.Register("verthash", Algorithm{New: newVerthash, BlockHash: sha256d, Multiplier: 1})
	return r
}

// Register adds or replaces an algorithm. A zero multiplier means 1.
func (r *Registry) Register(name string, a Algorithm) {
	if a.Multiplier == 0 {
		a.Multiplier = 1
	}
	r.algorithms[strings.ToLower(name)] = a
}

// Names lists the registered algorithms in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.algorithms))
	for n := range r.algorithms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup resolves name to a Provider. An unknown name or a failing
// constructor is a configuration error.
func (r *Registry) Lookup(name string, opts Options) (*Provider, error) {
	key := strings.ToLower(name)
	a, ok := r.algorithms[key]
	if !ok {
		return nil, errors.New(errors.ErrorTypeConfig, "algorithm_lookup", "unsupported algorithm").
			WithContext("algorithm", name).
			WithContext("available", strings.Join(r.Names(), ","))
	}

	fn, err := a.New(opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "algorithm_init", "failed to initialize hasher").
			WithContext("algorithm", name)
	}

	return &Provider{
		Name:       key,
		Hash:       fn,
		BlockHash:  a.BlockHash,
		Multiplier: a.Multiplier,
	}, nil
}

func fixed(fn HashFunc) func(Options) (HashFunc, error) {
	return func(Options) (HashFunc, error) { return fn, nil }
}

var diff1 = new(big.Int).Lsh(big.NewInt(0xffff), 208)

// Diff1 returns the difficulty-1 target,
// 0x00000000ffff0000000000000000000000000000000000000000000000000000.
func Diff1() *big.Int {
	return new(big.Int).Set(diff1)
}
