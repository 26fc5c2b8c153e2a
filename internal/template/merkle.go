package template

import (
	sha256 "github.com/minio/sha256-simd"
)

func doubleSHA256(b []byte) []byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second[:]
}

// merkleBranch returns the hashes a miner needs to fold the coinbase hash up
// to the root, for transaction ids in internal byte order with the coinbase
// excluded. An odd level pairs its last hash with itself.
func merkleBranch(txids [][]byte) [][]byte {
	if len(txids) == 0 {
		return nil
	}

	// Slot 0 stands for the coinbase, which is unknown until a share arrives.
	level := make([][]byte, 1, 1+len(txids))
	level = append(level, txids...)

	var branch [][]byte
	for len(level) > 1 {
		branch = append(branch, level[1])
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][]byte, 1, len(level)/2)
		for i := 2; i+1 < len(level); i += 2 {
			next = append(next, doubleSHA256(append(append([]byte{}, level[i]...), level[i+1]...)))
		}
		level = next
	}
	return branch
}

// merkleRoot folds the coinbase hash with each branch hash.
func merkleRoot(coinbaseHash []byte, branch [][]byte) []byte {
	root := coinbaseHash
	buf := make([]byte, 64)
	for _, h := range branch {
		copy(buf[:32], root)
		copy(buf[32:], h)
		root = doubleSHA256(buf)
	}
	return root
}
