package nonce

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	stateBucket   = []byte("jobcore")
	instanceIDKey = []byte("instance_id")
)

// LoadInstanceID returns the instance id stored in the bbolt file at path,
// generating and persisting a random one on first use. A restarted process
// keeps its extranonce partition this way.
func LoadInstanceID(path string) (uint32, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return 0, fmt.Errorf("open state file %s: %w", path, err)
	}
	defer db.Close()

	var id uint32
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(stateBucket)
		if err != nil {
			return err
		}
		if v := b.Get(instanceIDKey); len(v) == 4 {
			id = binary.BigEndian.Uint32(v)
			return nil
		}

		id, err = RandomInstanceID()
		if err != nil {
			return err
		}
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], id)
		return b.Put(instanceIDKey, buf[:])
	})
	if err != nil {
		return 0, fmt.Errorf("load instance id: %w", err)
	}
	return id, nil
}
