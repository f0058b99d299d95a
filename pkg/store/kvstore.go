package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/wasmcloud/lattice/pkg/log"
)

const (
	latticeBucketPrefix = "LATTICEDATA_"
	configBucketPrefix  = "CONFIGDATA_"
)

// Bucket is a JetStream key/value bucket
type Bucket struct {
	kv     nats.KeyValue
	name   string
	logger zerolog.Logger
}

// OpenLattice opens (creating if missing) the replicated lattice data bucket
func OpenLattice(js nats.JetStreamContext, lattice string) (*Bucket, error) {
	return open(js, latticeBucketPrefix+lattice)
}

// OpenConfig opens (creating if missing) the config data bucket
func OpenConfig(js nats.JetStreamContext, lattice string) (*Bucket, error) {
	return open(js, configBucketPrefix+lattice)
}

func open(js nats.JetStreamContext, name string) (*Bucket, error) {
	kv, err := js.KeyValue(name)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: name,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %s: %w", name, err)
	}
	return &Bucket{
		kv:     kv,
		name:   name,
		logger: log.WithComponent("store").With().Str("bucket", name).Logger(),
	}, nil
}

// Get returns the value for key, the boolean reports presence
func (b *Bucket) Get(key string) ([]byte, bool, error) {
	entry, err := b.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s from %s: %w", key, b.name, err)
	}
	return entry.Value(), true, nil
}

// Put writes value under key
func (b *Bucket) Put(key string, value []byte) error {
	if _, err := b.kv.Put(key, value); err != nil {
		return fmt.Errorf("failed to put %s into %s: %w", key, b.name, err)
	}
	return nil
}

// Delete removes key and its history. Absent keys are not an error.
func (b *Bucket) Delete(key string) error {
	if err := b.kv.Purge(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete %s from %s: %w", key, b.name, err)
	}
	return nil
}

// Keys lists all present keys
func (b *Bucket) Keys() ([]string, error) {
	keys, err := b.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list keys of %s: %w", b.name, err)
	}
	return keys, nil
}

// Watch delivers every mutation on the bucket until ctx is cancelled.
// Pre-existing entries are not replayed, callers that need them enumerate
// Keys first. The channel carries no errors; it closes when ctx is
// cancelled or the underlying watch ends.
func (b *Bucket) Watch(ctx context.Context) (<-chan Event, error) {
	watcher, err := b.kv.WatchAll(nats.UpdatesOnly(), nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", b.name, err)
	}

	events := make(chan Event, 64)
	go func() {
		defer close(events)
		defer func() {
			if err := watcher.Stop(); err != nil {
				b.logger.Debug().Err(err).Msg("failed to stop watcher")
			}
		}()
		for {
			select {
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				// A nil entry marks the end of the initial value replay
				if entry == nil {
					continue
				}
				ev := Event{Key: entry.Key(), Value: entry.Value()}
				switch entry.Operation() {
				case nats.KeyValuePut:
					ev.Operation = OperationPut
				case nats.KeyValueDelete, nats.KeyValuePurge:
					ev.Operation = OperationDelete
				default:
					continue
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}
