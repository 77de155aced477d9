// Package s3 implements objectstore.Store for AWS S3 and S3-compatible storage.
package s3

import "github.com/3leaps/tunedispatch/pkg/provider"

// Config configures an S3 store.
//
// Authentication follows the AWS SDK v2 default chain unless
// AccessKeyID/SecretAccessKey are set explicitly: environment variables,
// shared credentials and config files (with Profile), then instance or task
// roles.
//
// For AWS S3 an empty Region that the SDK cannot resolve defaults to
// us-east-1. When Endpoint is set (MinIO, Wasabi, moto) no default region is
// applied and ForcePathStyle is usually required.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string `mapstructure:"bucket"`

	// Prefix is prepended to every key.
	Prefix string `mapstructure:"prefix"`

	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	Profile  string `mapstructure:"profile"`

	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	ForcePathStyle bool `mapstructure:"force_path_style"`
}

// DefaultAWSRegion is the fallback region for AWS S3 when not specified.
const DefaultAWSRegion = "us-east-1"

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &provider.ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &provider.ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}
