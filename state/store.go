// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package state provides the memdb-backed cluster job and partition tables
// the selector rebuilds its accounting from. Embedding servers own the
// store; the selector only sees it through the selector.ClusterState
// interface.
package state

import (
	"fmt"

	"github.com/hashicorp/go-memdb"

	"github.com/hashicorp/cluster-select/structs"
)

const (
	// TableJobs is the table holding every job known to the cluster.
	TableJobs = "jobs"

	// TablePartitions is the table holding the partition definitions.
	TablePartitions = "partitions"

	indexID = "id"
)

func stateStoreSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			TableJobs: {
				Name: TableJobs,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.UintFieldIndex{Field: "ID"},
					},
				},
			},
			TablePartitions: {
				Name: TablePartitions,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Name"},
					},
				},
			},
		},
	}
}

// Store is an in-memory cluster state store. It satisfies
// selector.ClusterState.
type Store struct {
	db *memdb.MemDB
}

// NewStore returns an empty cluster state store.
func NewStore() (*Store, error) {
	db, err := memdb.NewMemDB(stateStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("state store setup failed: %v", err)
	}
	return &Store{db: db}, nil
}

// UpsertJob inserts or replaces a job.
func (s *Store) UpsertJob(job *structs.Job) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(TableJobs, job); err != nil {
		return fmt.Errorf("job insert failed: %v", err)
	}
	txn.Commit()
	return nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(id uint32) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(TableJobs, indexID, id)
	if err != nil {
		return fmt.Errorf("job lookup failed: %v", err)
	}
	if existing == nil {
		return nil
	}
	if err := txn.Delete(TableJobs, existing); err != nil {
		return fmt.Errorf("job delete failed: %v", err)
	}
	txn.Commit()
	return nil
}

// JobByID returns the job with the given ID, or nil.
func (s *Store) JobByID(id uint32) (*structs.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(TableJobs, indexID, id)
	if err != nil {
		return nil, fmt.Errorf("job lookup failed: %v", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.Job), nil
}

// Jobs returns every job in the cluster, in no particular order.
func (s *Store) Jobs() []*structs.Job {
	txn := s.db.Txn(false)
	defer txn.Abort()
	iter, err := txn.Get(TableJobs, indexID)
	if err != nil {
		return nil
	}
	var out []*structs.Job
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Job))
	}
	return out
}

// UpsertPartition inserts or replaces a partition.
func (s *Store) UpsertPartition(part *structs.Partition) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(TablePartitions, part); err != nil {
		return fmt.Errorf("partition insert failed: %v", err)
	}
	txn.Commit()
	return nil
}

// DeletePartition removes a partition by name.
func (s *Store) DeletePartition(name string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(TablePartitions, indexID, name)
	if err != nil {
		return fmt.Errorf("partition lookup failed: %v", err)
	}
	if existing == nil {
		return nil
	}
	if err := txn.Delete(TablePartitions, existing); err != nil {
		return fmt.Errorf("partition delete failed: %v", err)
	}
	txn.Commit()
	return nil
}

// PartitionByName returns the partition with the given name, or nil.
func (s *Store) PartitionByName(name string) (*structs.Partition, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(TablePartitions, indexID, name)
	if err != nil {
		return nil, fmt.Errorf("partition lookup failed: %v", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*structs.Partition), nil
}

// Partitions returns every partition in the cluster.
func (s *Store) Partitions() []*structs.Partition {
	txn := s.db.Txn(false)
	defer txn.Abort()
	iter, err := txn.Get(TablePartitions, indexID)
	if err != nil {
		return nil
	}
	var out []*structs.Partition
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.Partition))
	}
	return out
}
