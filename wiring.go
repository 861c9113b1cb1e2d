package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dichfoto/photostore/config"
	"github.com/dichfoto/photostore/db"
	"github.com/dichfoto/photostore/delivery"
	"github.com/dichfoto/photostore/gdrive"
	"github.com/dichfoto/photostore/local"
	"github.com/dichfoto/photostore/retry"
	"github.com/dichfoto/photostore/s3"
	"github.com/dichfoto/photostore/storage_base"
	"github.com/dichfoto/photostore/thumbs"
)

type app struct {
	cfg    config.ConfigData
	index  *db.Index
	remote storage_base.Remote
	svc    *delivery.Service
}

func policyFor(cfg config.ConfigData) retry.Policy {
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.RetryAttempts
	return policy
}

// newRemote returns nil when remote mode is off
func newRemote(ctx context.Context, cfg config.ConfigData) (storage_base.Remote, error) {
	if !cfg.UseRemote {
		return nil, nil
	}
	switch cfg.RemoteKind {
	case config.RemoteGDrive:
		drive, err := gdrive.New(ctx, gdrive.Options{
			CredentialsFile: cfg.CredentialsFile,
			Policy:          policyFor(cfg),
		})
		if err != nil {
			return nil, err
		}
		return drive, nil
	case config.RemoteS3:
		return s3.New(s3.Options{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			KeyID:     cfg.S3.KeyID,
			SecretKey: cfg.S3.SecretKey,
			PathStyle: cfg.S3.PathStyle,
			Policy:    policyFor(cfg),
		}), nil
	}
	return nil, fmt.Errorf("unknown remote kind %q", cfg.RemoteKind)
}

func open(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	store, err := local.New(cfg.StorageDir, cfg.ThumbsDir)
	if err != nil {
		return nil, err
	}
	index, err := db.Open(cfg.IndexLocation)
	if err != nil {
		return nil, err
	}
	remote, err := newRemote(ctx, cfg)
	if err != nil {
		index.Close()
		return nil, err
	}
	if remote != nil {
		log.Println("Using remote", remote)
	}
	pipeline := thumbs.New(thumbs.Options{
		ThumbsDir:  cfg.ThumbsDir,
		MaxWidth:   cfg.ThumbMaxWidth,
		EnableWebP: cfg.EnableWebP,
		EnableAVIF: cfg.EnableAVIF,
	}, store, index)
	return &app{
		cfg:    cfg,
		index:  index,
		remote: remote,
		svc:    delivery.New(cfg, store, remote, pipeline, index),
	}, nil
}

func (a *app) Close() {
	a.index.Close()
}

// timeout for one-shot commands, serve runs without one
const commandTimeout = 30 * time.Minute
