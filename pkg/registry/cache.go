package registry

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRefs      = []byte("refs")
	bucketProviders = []byte("providers")
)

// cacheEntry records a downloaded provider binary
type cacheEntry struct {
	Subject  string `json:"subject"`
	LinkName string `json:"link_name"`
	JWT      string `json:"jwt"`
	Path     string `json:"path"`
}

// artifactCache is the on-disk index over cached provider binaries, keyed by
// (claims subject, link name) with a reference alias table so repeat fetches
// by reference hit without re-downloading
type artifactCache struct {
	db *bolt.DB
}

func openArtifactCache(path string) (*artifactCache, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRefs); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketProviders)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize artifact cache: %w", err)
	}
	return &artifactCache{db: db}, nil
}

func (c *artifactCache) Close() error {
	return c.db.Close()
}

func providerKey(subject, linkName string) []byte {
	return []byte(subject + "\x00" + linkName)
}

func refKey(ref, linkName string) []byte {
	return []byte(ref + "\x00" + linkName)
}

// lookupRef resolves a reference to its cached entry, if any
func (c *artifactCache) lookupRef(ref, linkName string) (*cacheEntry, bool) {
	var entry *cacheEntry
	_ = c.db.View(func(tx *bolt.Tx) error {
		subject := tx.Bucket(bucketRefs).Get(refKey(ref, linkName))
		if subject == nil {
			return nil
		}
		raw := tx.Bucket(bucketProviders).Get(providerKey(string(subject), linkName))
		if raw == nil {
			return nil
		}
		var e cacheEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil
		}
		entry = &e
		return nil
	})
	return entry, entry != nil
}

// store indexes a downloaded provider binary under both keys
func (c *artifactCache) store(ref, subject, linkName, jwt, path string) error {
	raw, err := json.Marshal(cacheEntry{
		Subject:  subject,
		LinkName: linkName,
		JWT:      jwt,
		Path:     path,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize cache entry: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketRefs).Put(refKey(ref, linkName), []byte(subject)); err != nil {
			return err
		}
		return tx.Bucket(bucketProviders).Put(providerKey(subject, linkName), raw)
	})
}

// decodeSegment decodes a base64url JWT segment
func decodeSegment(seg string) ([]byte, error) {
	if l := len(seg) % 4; l > 0 {
		seg += "===="[l:]
	}
	return base64.URLEncoding.DecodeString(seg)
}
