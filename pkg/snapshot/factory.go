package snapshot

import (
	"context"
	"fmt"
)

type SinkType string

const (
	SinkFile SinkType = "file"
	SinkS3   SinkType = "s3"
	SinkGCS  SinkType = "gcs"
)

type GCSConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// Config selects and configures a snapshot sink.
type Config struct {
	Type SinkType  `yaml:"type"`
	Dir  string    `yaml:"dir"`
	S3   S3Config  `yaml:"s3"`
	GCS  GCSConfig `yaml:"gcs"`
}

// NewSink builds the sink named by cfg.Type. An empty type means "file".
func NewSink(ctx context.Context, cfg Config) (Sink, error) {
	switch cfg.Type {
	case "", SinkFile:
		dir := cfg.Dir
		if dir == "" {
			dir = "data/snapshots"
		}
		return NewFileSink(dir)
	case SinkS3:
		if cfg.S3.Region == "" {
			cfg.S3.Region = "us-east-1"
		}
		return NewS3Sink(ctx, cfg.S3)
	case SinkGCS:
		if cfg.GCS.Bucket == "" {
			return nil, fmt.Errorf("gcs snapshot sink requires a bucket")
		}
		return newGCSSink(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unsupported snapshot sink type %q", cfg.Type)
	}
}
