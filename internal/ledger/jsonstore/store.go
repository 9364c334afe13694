// Package jsonstore persists the ledger as two pretty-printed JSON documents
// (devices.json and accounts.json) under a data directory.
package jsonstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/muvusoft/talkscribe-license/internal/ledger"
)

const (
	devicesFile  = "devices.json"
	accountsFile = "accounts.json"
)

var _ ledger.Repository = (*Store)(nil)

// Store is a ledger.Repository backed by whole-file JSON documents. Every
// write rewrites the affected document atomically (temp file + rename).
type Store struct {
	dir string
	mu  sync.RWMutex
}

// Open creates dir if needed and returns a store rooted there.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create ledger data dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the data directory.
func (s *Store) Dir() string {
	return s.dir
}

// Ping checks the data directory is still accessible.
func (s *Store) Ping(ctx context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("stat ledger data dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("ledger data path %s is not a directory", s.dir)
	}
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

func (s *Store) GetDevice(ctx context.Context, id string) (*ledger.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices, err := s.loadDevices()
	if err != nil {
		return nil, err
	}
	return devices[id].Clone(), nil
}

func (s *Store) PutDevice(ctx context.Context, d *ledger.Device) error {
	if d == nil || d.ID == "" {
		return ledger.ErrDeviceIDRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	devices, err := s.loadDevices()
	if err != nil {
		return err
	}
	if !versionMatches(devices[d.ID] != nil, storedDeviceVersion(devices[d.ID]), d.Version) {
		return ledger.ErrVersionConflict
	}

	next := d.Clone()
	next.Version = d.Version + 1
	devices[d.ID] = next
	if err := s.writeDevices(devices); err != nil {
		return err
	}
	d.Version = next.Version
	return nil
}

func (s *Store) ListDevicesByFingerprint(ctx context.Context, hash string, firstSeenSince time.Time) ([]*ledger.Device, error) {
	if hash == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	devices, err := s.loadDevices()
	if err != nil {
		return nil, err
	}
	var out []*ledger.Device
	for _, d := range devices {
		if d.FingerprintHash != hash || d.FirstSeen.Before(firstSeenSince) {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts, err := s.loadAccounts()
	if err != nil {
		return nil, err
	}
	return accounts[id].Clone(), nil
}

func (s *Store) FindAccountByEmail(ctx context.Context, email string) (*ledger.Account, error) {
	if email == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	accounts, err := s.loadAccounts()
	if err != nil {
		return nil, err
	}
	for _, a := range accounts {
		if a.Email == email {
			return a.Clone(), nil
		}
	}
	return nil, nil
}

func (s *Store) PutAccount(ctx context.Context, a *ledger.Account) error {
	if a == nil || a.ID == "" {
		return errors.New("account id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	accounts, err := s.loadAccounts()
	if err != nil {
		return err
	}
	existing := accounts[a.ID]
	var storedVersion int64
	if existing != nil {
		storedVersion = existing.Version
	}
	if !versionMatches(existing != nil, storedVersion, a.Version) {
		return ledger.ErrVersionConflict
	}
	for id, other := range accounts {
		if id != a.ID && other.Email == a.Email {
			return ledger.ErrVersionConflict
		}
	}

	next := a.Clone()
	next.Version = a.Version + 1
	accounts[a.ID] = next
	if err := s.writeAccounts(accounts); err != nil {
		return err
	}
	a.Version = next.Version
	return nil
}

func storedDeviceVersion(d *ledger.Device) int64 {
	if d == nil {
		return 0
	}
	return d.Version
}

func versionMatches(exists bool, stored, expected int64) bool {
	if expected == 0 {
		return !exists
	}
	return exists && stored == expected
}

func (s *Store) loadDevices() (map[string]*ledger.Device, error) {
	records := map[string]*deviceRecord{}
	if err := s.read(devicesFile, &records); err != nil {
		return nil, err
	}
	devices := make(map[string]*ledger.Device, len(records))
	for key, r := range records {
		if r != nil {
			devices[key] = r.device(key)
		}
	}
	return devices, nil
}

func (s *Store) writeDevices(devices map[string]*ledger.Device) error {
	records := make(map[string]*deviceRecord, len(devices))
	for key, d := range devices {
		records[key] = toDeviceRecord(d)
	}
	return s.write(devicesFile, records)
}

func (s *Store) loadAccounts() (map[string]*ledger.Account, error) {
	records := map[string]*accountRecord{}
	if err := s.read(accountsFile, &records); err != nil {
		return nil, err
	}
	accounts := make(map[string]*ledger.Account, len(records))
	for key, r := range records {
		if r != nil {
			accounts[key] = r.account(key)
		}
	}
	return accounts, nil
}

func (s *Store) writeAccounts(accounts map[string]*ledger.Account) error {
	records := make(map[string]*accountRecord, len(accounts))
	for key, a := range accounts {
		records[key] = toAccountRecord(a)
	}
	return s.write(accountsFile, records)
}

// read decodes name into v. A missing or empty file leaves v untouched.
func (s *Store) read(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}

func (s *Store) write(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write temp %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("commit %s: %w", name, err)
	}
	return nil
}
