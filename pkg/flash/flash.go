// Package flash keeps two firmware image slots and the boot record that
// selects between them.
//
// Layout under the flash directory:
//
//	slot_a.bin  slot_b.bin  boot.json
//
// Every file is replaced with write-to-temp, fsync and rename, so a crash
// leaves either the old or the new content, never a mix.
package flash

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Slot names a firmware partition.
type Slot string

const (
	SlotA Slot = "a"
	SlotB Slot = "b"
)

// Other returns the opposite slot.
func (s Slot) Other() Slot {
	if s == SlotA {
		return SlotB
	}
	return SlotA
}

// Valid reports whether s names a slot.
func (s Slot) Valid() bool { return s == SlotA || s == SlotB }

const bootFile = "boot.json"

// BootRecord selects the image to run.
type BootRecord struct {
	Active  Slot `json:"active"`
	Pending Slot `json:"pending,omitempty"` // boots once on next start, then becomes active

	VersionA string `json:"versionA,omitempty"`
	VersionB string `json:"versionB,omitempty"`

	// RollbackVersion is the known-good image that can be booted back to.
	RollbackVersion string `json:"rollbackVersion,omitempty"`
	RollbackValid   bool   `json:"rollbackValid"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// Version returns the image version held by slot.
func (r BootRecord) Version(s Slot) string {
	if s == SlotB {
		return r.VersionB
	}
	return r.VersionA
}

// SetVersion records the image version held by slot.
func (r *BootRecord) SetVersion(s Slot, v string) {
	if s == SlotB {
		r.VersionB = v
	} else {
		r.VersionA = v
	}
}

// ActiveVersion returns the version of the active slot.
func (r BootRecord) ActiveVersion() string { return r.Version(r.Active) }

// Validate checks the record's invariants.
func (r BootRecord) Validate() error {
	if !r.Active.Valid() {
		return fmt.Errorf("invalid active slot %q", r.Active)
	}
	if r.Pending != "" {
		if !r.Pending.Valid() {
			return fmt.Errorf("invalid pending slot %q", r.Pending)
		}
		if r.Pending == r.Active {
			return fmt.Errorf("pending slot equals active slot %q", r.Active)
		}
	}
	return nil
}

// Dir is a flash partition set backed by a directory.
type Dir struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// Open opens the flash directory, creating it with slot A active at
// initialVersion if no boot record exists.
func Open(path, initialVersion string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create flash dir: %w", err)
	}
	d := &Dir{path: path, now: time.Now}

	_, err := d.Boot()
	switch {
	case err == nil:
		return d, nil
	case errors.Is(err, os.ErrNotExist):
		rec := BootRecord{Active: SlotA, VersionA: initialVersion}
		if err := d.SaveBoot(rec); err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, err
	}
}

// Path returns the flash directory.
func (d *Dir) Path() string { return d.path }

// SlotPath returns the image file of slot.
func (d *Dir) SlotPath(s Slot) string {
	return filepath.Join(d.path, "slot_"+string(s)+".bin")
}

// Boot reads the boot record.
func (d *Dir) Boot() (BootRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readBoot()
}

func (d *Dir) readBoot() (BootRecord, error) {
	var rec BootRecord
	data, err := os.ReadFile(filepath.Join(d.path, bootFile))
	if err != nil {
		return rec, fmt.Errorf("failed to read boot record: %w", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("failed to parse boot record: %w", err)
	}
	if err := rec.Validate(); err != nil {
		return rec, fmt.Errorf("corrupt boot record: %w", err)
	}
	return rec, nil
}

// SaveBoot atomically replaces the boot record.
func (d *Dir) SaveBoot(rec BootRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	rec.UpdatedAt = d.now().UTC()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode boot record: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := writeAtomic(filepath.Join(d.path, bootFile), data); err != nil {
		return fmt.Errorf("failed to write boot record: %w", err)
	}
	return nil
}

// WriteSlot atomically replaces the image in slot.
func (d *Dir) WriteSlot(s Slot, image []byte) error {
	if !s.Valid() {
		return fmt.Errorf("invalid slot %q", s)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := writeAtomic(d.SlotPath(s), image); err != nil {
		return fmt.Errorf("failed to write slot %s: %w", s, err)
	}
	return nil
}

// ReadSlot returns the image in slot.
func (d *Dir) ReadSlot(s Slot) ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid slot %q", s)
	}
	data, err := os.ReadFile(d.SlotPath(s))
	if err != nil {
		return nil, fmt.Errorf("failed to read slot %s: %w", s, err)
	}
	return data, nil
}

// Promote boots the pending slot: it becomes active and the previously
// active image becomes the rollback target. It reports whether a pending
// slot was promoted.
func (d *Dir) Promote() (BootRecord, bool, error) {
	rec, err := d.Boot()
	if err != nil {
		return rec, false, err
	}
	if rec.Pending == "" {
		return rec, false, nil
	}

	prev := rec.Active
	rec.RollbackVersion = rec.Version(prev)
	rec.RollbackValid = rec.RollbackVersion != ""
	rec.Active = rec.Pending
	rec.Pending = ""

	if err := d.SaveBoot(rec); err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

// Revert makes the rollback image active again. It fails when no valid
// rollback image exists.
func (d *Dir) Revert() (BootRecord, error) {
	rec, err := d.Boot()
	if err != nil {
		return rec, err
	}
	if !rec.RollbackValid {
		return rec, fmt.Errorf("no valid rollback image")
	}
	other := rec.Active.Other()
	if rec.Version(other) != rec.RollbackVersion {
		return rec, fmt.Errorf("slot %s holds %q, not rollback image %q", other, rec.Version(other), rec.RollbackVersion)
	}

	rec.Active = other
	rec.Pending = ""
	rec.RollbackValid = false
	rec.RollbackVersion = ""
	if err := d.SaveBoot(rec); err != nil {
		return rec, err
	}
	return rec, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
