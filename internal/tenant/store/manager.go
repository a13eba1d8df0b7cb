package store

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"

	apperrors "github.com/kandev/tgsched/internal/common/errors"
	"github.com/kandev/tgsched/internal/common/logger"
)

// tenantFilePattern matches telegram_{username}_{user_id}.db tenant database
// filenames.
var tenantFilePattern = regexp.MustCompile(`^telegram_(.+)_(\d+)\.db$`)

// Manager discovers and caches one *Store per tenant database file under a
// configured directory.
type Manager struct {
	dbDir string
	log   *logger.Logger

	mu      sync.Mutex
	stores  map[int64]*Store
}

// NewManager builds a Manager rooted at dbDir.
func NewManager(dbDir string, log *logger.Logger) *Manager {
	return &Manager{
		dbDir:  dbDir,
		log:    log,
		stores: make(map[int64]*Store),
	}
}

// TenantFileName returns the canonical filename for a tenant's database.
func TenantFileName(username string, userID int64) string {
	return fmt.Sprintf("telegram_%s_%d.db", username, userID)
}

// Discover scans dbDir for tenant database files and returns the set of
// tenant user ids found, without opening any of them.
func (m *Manager) Discover() ([]int64, error) {
	entries, err := os.ReadDir(m.dbDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.StorageCorrupt("scan tenant directory", err)
	}

	var ids []int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		match := tenantFilePattern.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		id, err := strconv.ParseInt(match[2], 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Get returns the cached Store for tenant userID, opening it on first use.
func (m *Manager) Get(username string, userID int64) (*Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.stores[userID]; ok {
		return s, nil
	}

	path := filepath.Join(m.dbDir, TenantFileName(username, userID))
	s, err := Open(path, m.log.WithTenant(userID))
	if err != nil {
		return nil, err
	}
	m.stores[userID] = s
	return s, nil
}

// All returns every currently-open tenant store.
func (m *Manager) All() map[int64]*Store {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[int64]*Store, len(m.stores))
	for id, s := range m.stores {
		out[id] = s
	}
	return out
}

// CloseAll closes every open tenant store.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for id, s := range m.stores {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.stores, id)
	}
	return firstErr
}
