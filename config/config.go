package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type S3Data struct {
	Bucket    string `yaml:"bucket" env:"S3_BUCKET"`
	Region    string `yaml:"region" env:"S3_REGION"`
	Endpoint  string `yaml:"endpoint" env:"S3_ENDPOINT"`
	KeyID     string `yaml:"aws_access_key_id" env:"AWS_ACCESS_KEY_ID"`
	SecretKey string `yaml:"aws_secret_access_key" env:"AWS_SECRET_ACCESS_KEY"`
	PathStyle bool   `yaml:"path_style" env:"S3_PATH_STYLE"`
}

type ConfigData struct {
	StorageDir    string `yaml:"storage_dir" env:"STORAGE_DIR"`
	ThumbsDir     string `yaml:"thumbs_dir" env:"THUMBS_DIR"`
	ThumbMaxWidth int    `yaml:"thumb_max_width" env:"THUMB_MAX_WIDTH"`
	EnableWebP    bool   `yaml:"enable_webp" env:"ENABLE_WEBP"`
	EnableAVIF    bool   `yaml:"enable_avif" env:"ENABLE_AVIF"` // needs the wasm encoder to warm up, off by default

	UseRemote       bool   `yaml:"use_remote" env:"USE_GDRIVE"`
	RemoteKind      string `yaml:"remote_kind" env:"REMOTE_KIND"`
	RemoteRootID    string `yaml:"remote_root_id" env:"GDRIVE_ROOT_FOLDER_ID"`
	CredentialsFile string `yaml:"credentials_file" env:"GOOGLE_APPLICATION_CREDENTIALS"`
	S3              S3Data `yaml:"s3"`

	IndexLocation   string `yaml:"index_location" env:"INDEX_LOCATION"`
	ChunkSize       int64  `yaml:"chunk_size" env:"CHUNK_SIZE"`
	RangedChunkSize int64  `yaml:"ranged_chunk_size" env:"RANGED_CHUNK_SIZE"`
	RetryAttempts   int    `yaml:"retry_attempts" env:"RETRY_ATTEMPTS"`

	ArchiveMethod string `yaml:"archive_method" env:"ARCHIVE_METHOD"`
	EnableZstd    bool   `yaml:"enable_zstd" env:"ENABLE_ZSTD"`

	Listen string `yaml:"listen" env:"LISTEN"`
}

const (
	RemoteGDrive = "gdrive"
	RemoteS3     = "s3"
)

func Defaults() ConfigData {
	return ConfigData{
		StorageDir:      "storage",
		ThumbMaxWidth:   800,
		EnableWebP:      true,
		EnableAVIF:      false,
		RemoteKind:      RemoteGDrive,
		ChunkSize:       1024 * 1024,
		RangedChunkSize: 256 * 1024,
		RetryAttempts:   5,
		ArchiveMethod:   "deflate",
		Listen:          ":8080",
		S3: S3Data{
			Region: "us-east-1",
		},
	}
}

// Load builds the config once at startup: defaults, then the optional yaml file, then .env and the environment.
// the result is passed around by value and never changes afterwards
func Load(path string) (ConfigData, error) {
	cfg := Defaults()
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	if path != "" {
		log.Println("Loading config from", path)
		f, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		decoder := yaml.NewDecoder(f)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "PHOTOSTORE_"}); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *ConfigData) finish() error {
	if c.ThumbsDir == "" {
		c.ThumbsDir = filepath.Join(c.StorageDir, "_thumbs")
	}
	if c.IndexLocation == "" {
		c.IndexLocation = filepath.Join(c.StorageDir, "photostore.db")
	}
	return c.Sanity()
}

func (c ConfigData) Sanity() error {
	if c.StorageDir == "" {
		return errors.New("storage_dir must be set")
	}
	if c.ThumbMaxWidth < 1 {
		return errors.New("thumb_max_width must be at least 1")
	}
	if c.ChunkSize < 1 || c.RangedChunkSize < 1 {
		return errors.New("chunk sizes must be positive")
	}
	if c.RetryAttempts < 1 {
		return errors.New("retry_attempts must be at least 1")
	}
	switch c.ArchiveMethod {
	case "deflate", "store", "zstd":
	default:
		return fmt.Errorf("unknown archive_method %q", c.ArchiveMethod)
	}
	if !c.UseRemote {
		return nil
	}
	switch c.RemoteKind {
	case RemoteGDrive:
		if c.RemoteRootID == "" {
			return errors.New("remote mode needs remote_root_id (GDRIVE_ROOT_FOLDER_ID)")
		}
		if c.CredentialsFile == "" {
			return errors.New("google drive needs credentials_file (GOOGLE_APPLICATION_CREDENTIALS)")
		}
	case RemoteS3:
		if c.S3.Bucket == "" {
			return errors.New("s3 needs a bucket")
		}
	default:
		return fmt.Errorf("unknown remote_kind %q", c.RemoteKind)
	}
	return nil
}
