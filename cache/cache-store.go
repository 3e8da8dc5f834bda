package cache

import (
	"database/sql"
	"sync"

	_ "github.com/glebarez/go-sqlite"
)

// CacheStore is namespaced storage for cache entries.
// It stores and retrieves []byte values, which represent HTTP responses.
// Namespaces are created implicitly on first write and can be enumerated
// and deleted as a whole, which is how stale cache versions are collected.
//
// Implementations must be thread-safe!
type CacheStore interface {
	// Get returns the stored bytes for the given key in the given
	// namespace, if they exist. It also returns a boolean indicating
	// whether retrieval was successful.
	Get(namespace, key string) ([]byte, bool, error)
	// Put stores the given bytes under the given key,
	// creating the namespace if it does not exist yet.
	Put(namespace, key string, bytes []byte) error
	// Namespaces returns the identifiers of all namespaces
	// that hold at least one entry.
	Namespaces() ([]string, error)
	// DeleteNamespace removes the namespace and every entry in it.
	DeleteNamespace(namespace string) error
	// Purge removes a single entry.
	// Used to get rid of entries that cannot be deserialized anymore.
	Purge(namespace, key string)
}

type MemStore struct {
	mutex *sync.RWMutex
	db    map[string]map[string][]byte
}

func NewMemStore() MemStore {
	return MemStore{
		mutex: &sync.RWMutex{},
		db:    make(map[string]map[string][]byte),
	}
}

func (m MemStore) Get(namespace, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	ns, ok := m.db[namespace]
	if !ok {
		return nil, false, nil
	}
	bytes, ok := ns[key]
	return bytes, ok, nil
}

func (m MemStore) Put(namespace, key string, bytes []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	ns, ok := m.db[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.db[namespace] = ns
	}
	ns[key] = bytes
	return nil
}

func (m MemStore) Namespaces() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	namespaces := make([]string, 0, len(m.db))
	for namespace := range m.db {
		namespaces = append(namespaces, namespace)
	}
	return namespaces, nil
}

func (m MemStore) DeleteNamespace(namespace string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, namespace)
	return nil
}

func (m MemStore) Purge(namespace, key string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if ns, ok := m.db[namespace]; ok {
		delete(ns, key)
	}
}

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed initializes) the cache database
// in the given file. Use "file::memory:?cache=shared" for an in-memory db.
func NewSQLiteStore(filename string) SQLiteStore {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("CREATE TABLE IF NOT EXISTS cache (namespace TEXT, key TEXT, bytes BLOB, PRIMARY KEY (namespace, key))")
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS namespace_idx ON cache (namespace)")
	if err != nil {
		panic(err)
	}
	return SQLiteStore{
		db: db,
	}
}

func (s SQLiteStore) Get(namespace, key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRow("SELECT bytes FROM cache WHERE namespace = ? AND key = ?", namespace, key).Scan(&bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (s SQLiteStore) Put(namespace, key string, bytes []byte) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO cache (namespace, key, bytes) VALUES (?, ?, ?)", namespace, key, bytes)
	return err
}

func (s SQLiteStore) Namespaces() ([]string, error) {
	rows, err := s.db.Query("SELECT DISTINCT namespace FROM cache")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var namespaces []string
	for rows.Next() {
		var namespace string
		if err := rows.Scan(&namespace); err != nil {
			return nil, err
		}
		namespaces = append(namespaces, namespace)
	}
	return namespaces, rows.Err()
}

func (s SQLiteStore) DeleteNamespace(namespace string) error {
	_, err := s.db.Exec("DELETE FROM cache WHERE namespace = ?", namespace)
	return err
}

func (s SQLiteStore) Purge(namespace, key string) {
	_, err := s.db.Exec("DELETE FROM cache WHERE namespace = ? AND key = ?", namespace, key)
	if err != nil {
		panic(err)
	}
}
