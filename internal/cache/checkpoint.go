package cache

// ============================================================================
// Slot checkpoint
// The feeder saves the slot array on shutdown and restores it on startup so
// a restart does not start from an empty cache.
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/gridwork/pkg/types"
)

const checkpointSchemaVersion = 1

var (
	ErrCorruptedCheckpoint = errors.New("checkpoint file is corrupted")
	ErrIncompatibleVersion = errors.New("checkpoint schema version is incompatible")
)

// Checkpoint is the on-disk form of the slot array.
type Checkpoint struct {
	SchemaVer int             `json:"schema_version"`
	SavedAt   int64           `json:"saved_at"`
	Size      int             `json:"size"`
	Checksum  uint32          `json:"checksum"` // CRC32-IEEE of the encoded slots
	Slots     []types.JobSlot `json:"slots"`
}

func slotsChecksum(slots []types.JobSlot) (uint32, error) {
	data, err := json.Marshal(slots)
	if err != nil {
		return 0, err
	}
	return crc32.ChecksumIEEE(data), nil
}

// CheckpointManager reads and writes one checkpoint file.
type CheckpointManager struct {
	path string
	mu   sync.Mutex
}

func NewCheckpointManager(path string) *CheckpointManager {
	return &CheckpointManager{path: path}
}

// Path returns the checkpoint file path.
func (m *CheckpointManager) Path() string {
	return m.path
}

// Save writes the non-EMPTY slots of c. The file is replaced atomically.
func (m *CheckpointManager) Save(c *SharedCache) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all, _ := c.Snapshot(context.Background())
	cp := Checkpoint{
		SchemaVer: checkpointSchemaVersion,
		SavedAt:   time.Now().Unix(),
		Size:      len(all),
	}
	for _, s := range all {
		if s.Live() {
			cp.Slots = append(cp.Slots, s)
		}
	}

	sum, err := slotsChecksum(cp.Slots)
	if err != nil {
		return 0, fmt.Errorf("checksum checkpoint: %w", err)
	}
	cp.Checksum = sum

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return 0, fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("rename checkpoint: %w", err)
	}
	return len(cp.Slots), nil
}

// Load reads the checkpoint. A missing file yields an empty checkpoint.
func (m *CheckpointManager) Load() (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{SchemaVer: checkpointSchemaVersion}, nil
		}
		return Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: %v", ErrCorruptedCheckpoint, err)
	}
	if cp.SchemaVer != checkpointSchemaVersion {
		return Checkpoint{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, cp.SchemaVer, checkpointSchemaVersion)
	}
	sum, err := slotsChecksum(cp.Slots)
	if err != nil || sum != cp.Checksum {
		return Checkpoint{}, fmt.Errorf("%w: checksum mismatch", ErrCorruptedCheckpoint)
	}
	return cp, nil
}

// Restore loads the checkpoint into c and returns the number of slots restored.
func (m *CheckpointManager) Restore(c *SharedCache) (int, error) {
	cp, err := m.Load()
	if err != nil {
		return 0, err
	}
	return c.Restore(cp.Slots), nil
}

// Exists reports whether the checkpoint file exists.
func (m *CheckpointManager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}
