package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// PebbleKV is the default durable local KV, one Pebble database per workspace directory.
type PebbleKV struct {
	db *pebble.DB
}

// OpenPebbleKV opens (or creates) the database at dir.
func OpenPebbleKV(dir string) (*PebbleKV, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	return &PebbleKV{db: db}, nil
}

func (p *PebbleKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	v, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	// v is only valid until closer.Close.
	return append([]byte(nil), v...), true, nil
}

func (p *PebbleKV) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.db.Set([]byte(key), value, pebble.Sync)
}

func (p *PebbleKV) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.db.Delete([]byte(key), pebble.Sync)
}

func (p *PebbleKV) Close() error {
	return p.db.Close()
}
