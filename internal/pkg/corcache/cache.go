// Package corcache holds the byte payload behind a physical data instance:
// what the worker's execution pool reads before a job runs and writes after
// one finishes. Prepare-rewind does not write or read this store. It
// started life as corral's shuffle cache
// (ephemeral storage between map and reduce phases) and keeps that
// package's get/put-by-key shape, trimmed to what a blob store needs.
package corcache

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// BlobStoreType is an identifier for supported BlobStore backends.
type BlobStoreType int

// Identifiers for supported BlobStoreTypes.
const (
	Local BlobStoreType = iota
	Redis
)

// BlobStore holds byte payloads keyed by physical instance id. Nimbus never
// needs directory listings or partial reads over this store -- a physical
// instance is read and written whole -- so the interface stays much
// smaller than corral's corfs.FileSystem that CacheSystem used to embed.
type BlobStore interface {
	// Get returns the bytes stored under key, or an error if absent.
	Get(key string) ([]byte, error)
	// Put stores data under key, replacing any previous value.
	Put(key string, data []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error
	// Has reports whether key currently has a value.
	Has(key string) bool
	// Clear removes every key.
	Clear() error
}

// NewBlobStore initializes a BlobStore of the given type.
func NewBlobStore(storeType BlobStoreType) (BlobStore, error) {
	switch storeType {
	case Local:
		return NewLocalBlobStore(viper.GetUint64("instanceStoreSize")), nil
	case Redis:
		return NewRedisBlobStore(RedisConfigFromViper())
	default:
		return nil, fmt.Errorf("unknown blob store type or not yet implemented %d", storeType)
	}
}

// BlobStoreTypeOf returns a type for a given BlobStore, defaulting to Local.
func BlobStoreTypeOf(store BlobStore) BlobStoreType {
	if _, ok := store.(*RedisBlobStore); ok {
		return Redis
	}
	return Local
}

func warnOnClose(name string, err error) {
	if err != nil {
		log.Warnf("%s: failed to close cleanly: %+v", name, err)
	}
}
