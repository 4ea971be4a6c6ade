// Package fork tracks adoption of protocol versions by the active witnesses.
//
// For every known version a vector holds one slot per active witness. A slot
// is set once the witness produced a block declaring that version and cleared
// again if it later produces a block declaring a lower one. A version passes
// once every slot of its vector is set; from then on it is never downgraded.
package fork

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/crypto/sha3"

	"github.com/unichain/overlay/libs/log"
	"github.com/unichain/overlay/types"
)

const (
	versionDowngrade byte = 0
	versionUpgrade   byte = 1
)

// ErrVersionTooLow is returned by CheckVersion for a block declaring a
// version below one every active witness already adopted.
var ErrVersionTooLow = errors.New("block version below adopted version")

// WitnessSchedule provides the current active witnesses in schedule order.
type WitnessSchedule interface {
	ActiveWitnesses() [][]byte
}

// StaticSchedule is a WitnessSchedule that never changes.
type StaticSchedule [][]byte

func (s StaticSchedule) ActiveWitnesses() [][]byte { return s }

// ParseSchedule decodes hex encoded witness addresses.
func ParseSchedule(witnesses []string) (StaticSchedule, error) {
	s := make(StaticSchedule, len(witnesses))
	for i, w := range witnesses {
		addr, err := hex.DecodeString(w)
		if err != nil {
			return nil, err
		}
		s[i] = addr
	}
	return s, nil
}

// Controller tracks version adoption. All methods are serialized.
type Controller struct {
	mtx       sync.Mutex
	logger    log.Logger
	store     StatsStore
	witnesses WitnessSchedule
	versions  []int
}

// NewController creates a Controller tracking the given protocol versions.
func NewController(logger log.Logger, store StatsStore, witnesses WitnessSchedule, versions []int) *Controller {
	vs := append([]int(nil), versions...)
	sort.Ints(vs)
	return &Controller{
		logger:    logger,
		store:     store,
		witnesses: witnesses,
		versions:  vs,
	}
}

// Pass reports whether every active witness has upgraded to version.
func (c *Controller) Pass(version int) (bool, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	stats, err := c.store.StatsByVersion(version)
	if err != nil {
		return false, err
	}
	return isActive(stats), nil
}

// CheckVersion rejects a block declaring a version lower than the highest
// tracked version that passed.
func (c *Controller) CheckVersion(block *types.Block) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	declared := int(block.Version())
	for i := len(c.versions) - 1; i >= 0 && c.versions[i] > declared; i-- {
		stats, err := c.store.StatsByVersion(c.versions[i])
		if err != nil {
			return err
		}
		if isActive(stats) {
			return fmt.Errorf("%w: declared %d, version %d is active", ErrVersionTooLow, declared, c.versions[i])
		}
	}
	return nil
}

// Update records the version declared by block for its producer. Blocks of
// producers outside the active schedule are ignored.
func (c *Controller) Update(block *types.Block) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	witnesses := c.witnesses.ActiveWitnesses()
	slot := -1
	for i, w := range witnesses {
		if bytes.Equal(w, block.WitnessAddress()) {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil
	}

	version := int(block.Version())
	if err := c.downgrade(version, slot); err != nil {
		return err
	}

	stats, err := c.store.StatsByVersion(version)
	if err != nil {
		return err
	}
	if isActive(stats) {
		return c.upgrade(version, len(stats))
	}

	if len(stats) != len(witnesses) {
		stats = make([]byte, len(witnesses))
	}
	stats[slot] = versionUpgrade
	if err := c.store.SetStatsByVersion(version, stats); err != nil {
		return err
	}

	c.logger.Info("updated version stats",
		"version", version,
		"witnesses", len(witnesses),
		"slot", slot,
		"witness", hex.EncodeToString(block.WitnessAddress()),
		"stats", hex.EncodeToString(stats),
	)
	return nil
}

// Reset clears the vector of every version that is not active yet.
func (c *Controller) Reset() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.reset()
}

// SyncSchedule compares the active witnesses with the ones the stored
// vectors were counted for and resets them if the schedule changed. It
// reports whether a reset happened.
func (c *Controller) SyncSchedule() (bool, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	digest := scheduleDigest(c.witnesses.ActiveWitnesses())
	prev, err := c.store.ScheduleDigest()
	if err != nil {
		return false, err
	}
	if bytes.Equal(prev, digest) {
		return false, nil
	}

	reset := prev != nil
	if reset {
		if err := c.reset(); err != nil {
			return false, err
		}
		c.logger.Info("witness schedule changed, version stats reset", "witnesses", len(c.witnesses.ActiveWitnesses()))
	}
	return reset, c.store.SetScheduleDigest(digest)
}

func (c *Controller) reset() error {
	for _, v := range c.versions {
		stats, err := c.store.StatsByVersion(v)
		if err != nil {
			return err
		}
		if stats == nil || isActive(stats) {
			continue
		}
		for i := range stats {
			stats[i] = versionDowngrade
		}
		if err := c.store.SetStatsByVersion(v, stats); err != nil {
			return err
		}
	}
	return nil
}

// downgrade clears slot in every higher version that is not active yet.
func (c *Controller) downgrade(version, slot int) error {
	for _, v := range c.versions {
		if v <= version {
			continue
		}
		stats, err := c.store.StatsByVersion(v)
		if err != nil {
			return err
		}
		if stats == nil || isActive(stats) || slot >= len(stats) {
			continue
		}
		stats[slot] = versionDowngrade
		if err := c.store.SetStatsByVersion(v, stats); err != nil {
			return err
		}
	}
	return nil
}

// upgrade marks every lower version that is not active yet as fully adopted.
func (c *Controller) upgrade(version, slots int) error {
	for _, v := range c.versions {
		if v >= version {
			continue
		}
		stats, err := c.store.StatsByVersion(v)
		if err != nil {
			return err
		}
		if isActive(stats) {
			continue
		}
		if len(stats) == 0 {
			stats = make([]byte, slots)
		}
		for i := range stats {
			stats[i] = versionUpgrade
		}
		if err := c.store.SetStatsByVersion(v, stats); err != nil {
			return err
		}
	}
	return nil
}

func scheduleDigest(witnesses [][]byte) []byte {
	hasher := sha3.New256()
	var size [binary.MaxVarintLen64]byte
	for _, w := range witnesses {
		n := binary.PutUvarint(size[:], uint64(len(w)))
		hasher.Write(size[:n]) //nolint:errcheck
		hasher.Write(w)        //nolint:errcheck
	}
	return hasher.Sum(nil)
}

func isActive(stats []byte) bool {
	if len(stats) == 0 {
		return false
	}
	for _, s := range stats {
		if s != versionUpgrade {
			return false
		}
	}
	return true
}
