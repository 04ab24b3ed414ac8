// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package docstore is the uniform document interface over durable
// social/environment data. The registry only reads through it; writes
// belong to the external services that own each collection. Two backends
// exist: bbolt for durability and an in-memory map for tests.
package docstore

import "context"

// Well-known collection names the registry touches.
const (
	CollectionPlayers      = "players"
	CollectionEnvironments = "network_environments"
)

// Store groups named collections of JSON documents.
type Store interface {
	// Collection returns the accessor for a named collection, creating it
	// lazily on first write.
	Collection(name string) Collection

	// Close releases the backing storage.
	Close() error
}

// Collection is a set of documents addressed by id.
type Collection interface {
	// Document reads the document with the given id into out. The boolean
	// is false when no document exists.
	Document(ctx context.Context, id string, out any) (bool, error)

	// Put stores v under id, replacing any existing document.
	Put(ctx context.Context, id string, v any) error

	// Delete removes the document; deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error

	// List returns every document id in the collection.
	List(ctx context.Context) ([]string, error)
}
