// Package registry persists the identity of the paired printer
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Registry stores at most one paired printer in a JSON file
type Registry struct {
	filePath string
	printer  *PairedPrinter
	logger   *zap.Logger
	mu       sync.RWMutex
}

// PairedPrinter is the device designated "the printer"
type PairedPrinter struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Address  string    `json:"address"`
	PairedAt time.Time `json:"paired_at"`
}

// New loads the registry from filePath. A missing, unreadable or corrupt file
// yields an empty registry.
func New(filePath string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		filePath: filePath,
		logger:   logger,
	}

	if err := r.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("ignoring unreadable printer registry", zap.String("path", filePath), zap.Error(err))
		r.printer = nil
	}

	return r
}

// Path returns the backing file
func (r *Registry) Path() string {
	return r.filePath
}

// SetPrinter stores the paired printer, replacing any previous one. Setting
// the same address again keeps the existing ID.
func (r *Registry) SetPrinter(name, address string) error {
	if address == "" {
		return errors.New("printer address is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := PairedPrinter{
		ID:       uuid.New().String(),
		Name:     name,
		Address:  address,
		PairedAt: time.Now().UTC(),
	}
	if r.printer != nil && r.printer.Address == address {
		if r.printer.Name == name {
			return nil
		}
		next.ID = r.printer.ID
		next.PairedAt = r.printer.PairedAt
	}

	if err := r.save(&next); err != nil {
		return fmt.Errorf("failed to save registry: %w", err)
	}
	r.printer = &next
	r.logger.Info("printer registered", zap.String("name", name), zap.String("address", address))
	return nil
}

// GetPrinter returns the paired printer, if any
func (r *Registry) GetPrinter() (PairedPrinter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.printer == nil {
		return PairedPrinter{}, false
	}
	return *r.printer, true
}

// HasPrinter reports whether a printer is paired
func (r *Registry) HasPrinter() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.printer != nil
}

// ClearPrinter forgets the paired printer. Clearing an empty registry is a no-op.
func (r *Registry) ClearPrinter() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clear()
}

// Prune clears the printer when isBonded no longer reports its address.
// It returns true when a record was removed.
func (r *Registry) Prune(isBonded func(address string) bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.printer == nil || isBonded(r.printer.Address) {
		return false, nil
	}

	r.logger.Info("printer no longer bonded, clearing registry", zap.String("address", r.printer.Address))
	if err := r.clear(); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Registry) clear() error {
	if err := os.Remove(r.filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove registry: %w", err)
	}
	r.printer = nil
	return nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		return err
	}

	var p PairedPrinter
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if p.Address == "" {
		return errors.New("record has no address")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	r.printer = &p
	return nil
}

// save writes p to a temp file next to the registry and renames it into place
func (r *Registry) save(p *PairedPrinter) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(r.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".printer-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), r.filePath)
}
