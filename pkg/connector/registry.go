package connector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/tunedispatch/pkg/artifact"
	"github.com/3leaps/tunedispatch/pkg/objectstore"
	"github.com/3leaps/tunedispatch/pkg/provider"
)

// Registry object names.
const (
	RegistryArchiveName  = "artifact.tar.gz"
	RegistryRawName      = "artifact.bin"
	RegistryMetadataName = "metadata.json"
)

var modelNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// PublishedArtifact locates an artifact in the model registry.
type PublishedArtifact struct {
	Name        string    `json:"name"`
	JobID       string    `json:"job_id"`
	Key         string    `json:"key"`
	URI         string    `json:"uri"`
	MetadataKey string    `json:"metadata_key"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	PublishedAt time.Time `json:"published_at"`
}

type registryMetadata struct {
	PublishedArtifact
	Provider  provider.ProviderType `json:"provider"`
	BaseModel string                `json:"base_model"`
	Config    any                   `json:"config"`
}

// PublishArtifact fetches the job's artifact and stores it in the model
// registry under <prefix>/<name>/<job_id>/, next to a metadata.json that
// records the training config and checksum.
func (c *Connector) PublishArtifact(ctx context.Context, jobID, name string) (*PublishedArtifact, error) {
	const op = "PublishArtifact"
	if c.cfg.Registry == nil {
		return nil, &UnsupportedError{Op: op, Kind: c.kind, Capability: provider.CapRegistry}
	}
	name = strings.TrimSpace(name)
	if !modelNamePattern.MatchString(name) {
		return nil, c.wrap(op, jobID, &provider.ConfigError{Field: "name", Message: fmt.Sprintf("invalid model name %q", name)})
	}

	rec, err := c.Job(jobID)
	if err != nil {
		return nil, err
	}
	data, err := c.FetchArtifact(ctx, jobID)
	if err != nil {
		return nil, err
	}

	file := RegistryRawName
	if artifact.IsArchive(data) {
		file = RegistryArchiveName
	}
	base := objectstore.JoinKey(c.cfg.RegistryPrefix, name, jobID)
	sum := sha256.Sum256(data)
	pub := PublishedArtifact{
		Name:        name,
		JobID:       jobID,
		Key:         objectstore.JoinKey(base, file),
		MetadataKey: objectstore.JoinKey(base, RegistryMetadataName),
		Size:        int64(len(data)),
		SHA256:      hex.EncodeToString(sum[:]),
		PublishedAt: time.Now().UTC(),
	}
	pub.URI = c.cfg.Registry.URI(pub.Key)

	if err := objectstore.PutBytes(ctx, c.cfg.Registry, pub.Key, data); err != nil {
		return nil, c.wrap(op, jobID, err)
	}
	meta, err := json.MarshalIndent(registryMetadata{
		PublishedArtifact: pub,
		Provider:          c.kind,
		BaseModel:         rec.Config.BaseModel,
		Config:            rec.Config,
	}, "", "  ")
	if err != nil {
		return nil, c.wrap(op, jobID, err)
	}
	if err := objectstore.PutBytes(ctx, c.cfg.Registry, pub.MetadataKey, meta); err != nil {
		return nil, c.wrap(op, jobID, err)
	}

	c.log.Info("artifact published",
		zap.String("job_id", jobID),
		zap.String("name", name),
		zap.String("uri", pub.URI),
		zap.Int64("bytes", pub.Size))
	return &pub, nil
}
