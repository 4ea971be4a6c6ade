package discover

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/orderedcode"
	dbm "github.com/tendermint/tm-db"
)

const (
	// prefixes must be unique across all db's.
	prefixNodeRecord int64 = 1
)

// nodeRecord is a persisted node that was reachable at shutdown.
type nodeRecord struct {
	Node     *Node     `cbor:"1,keyasint"`
	State    State     `cbor:"2,keyasint"`
	LastPong time.Time `cbor:"3,keyasint,omitempty"`
}

// nodeDB keeps the live part of the node registry across restarts.
type nodeDB struct {
	db dbm.DB
}

func newNodeDB(db dbm.DB) *nodeDB {
	return &nodeDB{db: db}
}

// load returns every stored record.
func (s *nodeDB) load() ([]nodeRecord, error) {
	start, end := keyNodeRecordRange()
	iter, err := s.db.Iterator(start, end)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var records []nodeRecord
	for ; iter.Valid(); iter.Next() {
		var rec nodeRecord
		if err := cbor.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("invalid node record: %w", err)
		}
		if rec.Node == nil {
			return nil, fmt.Errorf("invalid node record %x: missing node", iter.Key())
		}
		records = append(records, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return records, nil
}

// replace stores records as the complete set of live nodes.
func (s *nodeDB) replace(records []nodeRecord) error {
	start, end := keyNodeRecordRange()
	iter, err := s.db.Iterator(start, end)
	if err != nil {
		return err
	}
	var stale [][]byte
	for ; iter.Valid(); iter.Next() {
		stale = append(stale, append([]byte(nil), iter.Key()...))
	}
	iterErr := iter.Error()
	iter.Close()
	if iterErr != nil {
		return iterErr
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, key := range stale {
		if err := batch.Delete(key); err != nil {
			return err
		}
	}
	for _, rec := range records {
		bz, err := cbor.Marshal(rec)
		if err != nil {
			return err
		}
		if err := batch.Set(keyNodeRecord(rec.Node.Key()), bz); err != nil {
			return err
		}
	}
	return batch.WriteSync()
}

// keyNodeRecord generates a node record database key.
func keyNodeRecord(endpoint string) []byte {
	key, err := orderedcode.Append(nil, prefixNodeRecord, endpoint)
	if err != nil {
		panic(err)
	}
	return key
}

// keyNodeRecordRange generates start/end keys for the entire node record key
// range.
func keyNodeRecordRange() ([]byte, []byte) {
	start, err := orderedcode.Append(nil, prefixNodeRecord)
	if err != nil {
		panic(err)
	}
	end, err := orderedcode.Append(nil, prefixNodeRecord+1)
	if err != nil {
		panic(err)
	}
	return start, end
}
