package tripsync

import (
	"database/sql"
	"encoding/json"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pkg/errors"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// durable storage for pending mutations, surviving process restart.
// the queue is the only writer. One row per mutation, upserted on every
// status change and removed on terminal success.

type QueueStorage interface {
	Save(mutation *Mutation) error
	Remove(mutationId Id) error
	LoadAll() ([]*Mutation, error)
	Close() error
}

type SqliteQueueStorage struct {
	db *sql.DB

	// serialize writes to avoid sqlite lock contention
	writeMutex sync.Mutex
}

func NewSqliteQueueStorage(path string) (*SqliteQueueStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open queue storage")
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS mutations (
			mutation_id TEXT PRIMARY KEY,
			resource_key TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			status TEXT NOT NULL,
			mutation_json TEXT NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "init queue storage")
	}
	return &SqliteQueueStorage{
		db: db,
	}, nil
}

func (self *SqliteQueueStorage) Save(mutation *Mutation) error {
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()

	mutationJson, err := json.Marshal(mutation)
	if err != nil {
		return errors.Wrap(err, "encode mutation")
	}
	_, err = self.db.Exec(
		`INSERT OR REPLACE INTO mutations
			(mutation_id, resource_key, created_at, status, mutation_json)
			VALUES (?, ?, ?, ?, ?)`,
		mutation.MutationId.String(),
		mutation.ResourceKey,
		mutation.CreatedAt.UnixNano(),
		string(mutation.Status),
		string(mutationJson),
	)
	if err != nil {
		return errors.Wrap(err, "save mutation")
	}
	return nil
}

func (self *SqliteQueueStorage) Remove(mutationId Id) error {
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()

	_, err := self.db.Exec(
		`DELETE FROM mutations WHERE mutation_id = ?`,
		mutationId.String(),
	)
	if err != nil {
		return errors.Wrap(err, "remove mutation")
	}
	return nil
}

func (self *SqliteQueueStorage) LoadAll() ([]*Mutation, error) {
	rows, err := self.db.Query(
		`SELECT mutation_json FROM mutations ORDER BY created_at, mutation_id`,
	)
	if err != nil {
		return nil, errors.Wrap(err, "load mutations")
	}
	defer rows.Close()

	mutations := []*Mutation{}
	for rows.Next() {
		var mutationJson string
		if err := rows.Scan(&mutationJson); err != nil {
			return nil, errors.Wrap(err, "scan mutation")
		}
		mutation := &Mutation{}
		if err := json.Unmarshal([]byte(mutationJson), mutation); err != nil {
			return nil, errors.Wrap(err, "decode mutation")
		}
		mutations = append(mutations, mutation)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "load mutations")
	}
	return mutations, nil
}

func (self *SqliteQueueStorage) Close() error {
	return self.db.Close()
}

// in process storage for tests and callers that opt out of durability
type MemoryQueueStorage struct {
	mutex     sync.Mutex
	mutations map[Id]*Mutation
}

func NewMemoryQueueStorage() *MemoryQueueStorage {
	return &MemoryQueueStorage{
		mutations: map[Id]*Mutation{},
	}
}

func (self *MemoryQueueStorage) Save(mutation *Mutation) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.mutations[mutation.MutationId] = mutation.Copy()
	return nil
}

func (self *MemoryQueueStorage) Remove(mutationId Id) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.mutations, mutationId)
	return nil
}

func (self *MemoryQueueStorage) LoadAll() ([]*Mutation, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	mutations := maps.Values(self.mutations)
	for i := 0; i < len(mutations); i += 1 {
		mutations[i] = mutations[i].Copy()
	}
	slices.SortStableFunc(mutations, func(a *Mutation, b *Mutation) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return mutations, nil
}

func (self *MemoryQueueStorage) Close() error {
	return nil
}
