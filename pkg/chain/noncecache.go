package chain

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	nomaderrors "nomad/pkg/errors"
)

// nonceCache stores the next nonce to use per sender key, keyed by
// address, in an embedded pebble store at the directory it is opened with.
// Nomad does not persist signals or pool state (that is explicitly out of
// scope, §4.4). The run and faucet commands open the cache in a new
// temporary directory at every start, so cached nonces do not carry over a
// restart. The pebble usage is grounded on the teacher's PebbleDB-backed
// repository (pkg/staterepository/pebblerepository.go) narrowed to this one
// concern.
type nonceCache struct {
	db *pebble.DB
}

func openNonceCache(dir string) (*nonceCache, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, nomaderrors.Wrap(nomaderrors.Internal, err, "open nonce cache")
	}
	return &nonceCache{db: db}, nil
}

func nonceKey(addr common.Address) []byte {
	key := make([]byte, len(addr))
	copy(key, addr[:])
	return key
}

// Get returns the cached next nonce for addr, or (0, false) if unknown.
func (c *nonceCache) Get(addr common.Address) (uint64, bool, error) {
	v, closer, err := c.db.Get(nonceKey(addr))
	if err == pebble.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, nomaderrors.Wrap(nomaderrors.Internal, err, "nonce cache get")
	}
	defer closer.Close()
	if len(v) != 8 {
		return 0, false, nomaderrors.New(nomaderrors.Internal, "nonce cache: corrupt entry")
	}
	return binary.BigEndian.Uint64(v), true, nil
}

// Set stores nonce as the next nonce to use for addr.
func (c *nonceCache) Set(addr common.Address, nonce uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, nonce)
	if err := c.db.Set(nonceKey(addr), buf, pebble.Sync); err != nil {
		return nomaderrors.Wrap(nomaderrors.Internal, err, "nonce cache set")
	}
	return nil
}

func (c *nonceCache) Close() error {
	return c.db.Close()
}
