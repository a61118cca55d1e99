package tracestore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/plinth/internal/observability"
)

const (
	blobFile = "blob"
	metaFile = "meta.json"
)

// ArtifactInfo is the sidecar metadata stored next to each blob.
type ArtifactInfo struct {
	Hash      string    `json:"hash"`
	Kind      string    `json:"kind"`
	MediaType string    `json:"media_type"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// ArtifactStore is a content-addressed blob store on the filesystem.
// Blobs live under root/<hash[:2]>/<hash[2:]>/blob with a metadata
// sidecar; identical bytes always land on the same path, so duplicate
// puts are idempotent no-ops.
type ArtifactStore struct {
	root   string
	logger zerolog.Logger
}

// NewArtifactStore creates an artifact store rooted at dir.
func NewArtifactStore(dir string, logger zerolog.Logger) (*ArtifactStore, error) {
	observability.EnsureRegistered()

	if dir == "" {
		return nil, fmt.Errorf("artifact dir is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &ArtifactStore{
		root:   dir,
		logger: logger.With().Str("component", "artifactstore").Logger(),
	}, nil
}

// HashBytes returns the content address for data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (a *ArtifactStore) dir(hash string) string {
	return filepath.Join(a.root, hash[:2], hash[2:])
}

func validHash(hash string) bool {
	if len(hash) != 64 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

// Put stores data and returns its hash. Storing the same bytes again
// returns the same hash without writing anything.
func (a *ArtifactStore) Put(data []byte, kind, mediaType string) (string, error) {
	hash := HashBytes(data)
	dir := a.dir(hash)

	if _, err := os.Stat(filepath.Join(dir, blobFile)); err == nil {
		observability.RecordArtifactPut(len(data), true)
		return hash, nil
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}

	// Temp-write then rename: a concurrent writer of the same hash is
	// writing identical bytes, so last rename winning is harmless.
	if err := writeAtomic(dir, blobFile, data); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}

	info := ArtifactInfo{
		Hash:      hash,
		Kind:      kind,
		MediaType: mediaType,
		Size:      int64(len(data)),
		CreatedAt: time.Now().UTC(),
	}
	meta, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("failed to encode artifact metadata: %w", err)
	}
	if err := writeAtomic(dir, metaFile, meta); err != nil {
		return "", fmt.Errorf("failed to write artifact metadata: %w", err)
	}

	observability.RecordArtifactPut(len(data), false)
	a.logger.Debug().
		Str("hash", hash).
		Str("kind", kind).
		Int("bytes", len(data)).
		Msg("Artifact stored")

	return hash, nil
}

// PutString stores string content.
func (a *ArtifactStore) PutString(content, kind, mediaType string) (string, error) {
	return a.Put([]byte(content), kind, mediaType)
}

// Get returns the blob for hash, or ErrArtifactNotFound.
func (a *ArtifactStore) Get(hash string) ([]byte, error) {
	if !validHash(hash) {
		return nil, fmt.Errorf("invalid artifact hash %q", hash)
	}
	data, err := os.ReadFile(filepath.Join(a.dir(hash), blobFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, hash)
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// Stat returns the metadata for hash, or ErrArtifactNotFound.
func (a *ArtifactStore) Stat(hash string) (ArtifactInfo, error) {
	if !validHash(hash) {
		return ArtifactInfo{}, fmt.Errorf("invalid artifact hash %q", hash)
	}
	data, err := os.ReadFile(filepath.Join(a.dir(hash), metaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return ArtifactInfo{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, hash)
		}
		return ArtifactInfo{}, fmt.Errorf("failed to read artifact metadata: %w", err)
	}
	var info ArtifactInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return ArtifactInfo{}, fmt.Errorf("failed to decode artifact metadata: %w", err)
	}
	return info, nil
}

// Exists reports whether a blob is stored under hash.
func (a *ArtifactStore) Exists(hash string) bool {
	if !validHash(hash) {
		return false
	}
	_, err := os.Stat(filepath.Join(a.dir(hash), blobFile))
	return err == nil
}

// Delete removes a blob and its metadata. Missing blobs are not an error.
func (a *ArtifactStore) Delete(hash string) error {
	if !validHash(hash) {
		return fmt.Errorf("invalid artifact hash %q", hash)
	}
	dir := a.dir(hash)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	// Drop the two-char shard dir when it emptied out.
	shard := filepath.Dir(dir)
	if entries, err := os.ReadDir(shard); err == nil && len(entries) == 0 {
		_ = os.Remove(shard)
	}
	return nil
}

// Hashes walks the store and returns every stored hash.
func (a *ArtifactStore) Hashes() ([]string, error) {
	shards, err := os.ReadDir(a.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact root: %w", err)
	}

	var hashes []string
	for _, shard := range shards {
		if !shard.IsDir() || len(shard.Name()) != 2 {
			continue
		}
		rest, err := os.ReadDir(filepath.Join(a.root, shard.Name()))
		if err != nil {
			continue
		}
		for _, entry := range rest {
			if !entry.IsDir() {
				continue
			}
			hash := shard.Name() + entry.Name()
			if validHash(hash) {
				hashes = append(hashes, hash)
			}
		}
	}
	return hashes, nil
}

func writeAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, name+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, filepath.Join(dir, name))
}
