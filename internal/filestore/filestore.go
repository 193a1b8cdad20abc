// Package filestore uploads finalized recordings to durable storage.
package filestore

import (
	"context"
	"fmt"

	"github.com/bigbluebutton/bbb-consult-session/internal/config"
	"github.com/mitchellh/mapstructure"
)

type FileStore interface {
	// Upload stores data under name and returns its retrievable URL.
	Upload(ctx context.Context, name string, data []byte, contentType string) (string, error)
}

func decode(input interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

func New(cfg config.FileStore) (FileStore, error) {
	switch cfg.Adapter {
	case "minio":
		var c config.Minio
		if err := decode(cfg.Adapters["minio"], &c); err != nil {
			return nil, fmt.Errorf("minio filestore config: %w", err)
		}
		return NewMinio(c)
	case "local", "":
		var c config.LocalFileStore
		if err := decode(cfg.Adapters["local"], &c); err != nil {
			return nil, fmt.Errorf("local filestore config: %w", err)
		}
		return NewLocal(c), nil
	default:
		return nil, fmt.Errorf("unknown filestore adapter '%s'", cfg.Adapter)
	}
}
