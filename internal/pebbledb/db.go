// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package pebbledb implements the bucket store on an embedded Pebble database
// for single-node deployments that run without redis.
//
// Each sorted set member is written under two keys:
//
//	z/<set>\x00<score><member>  -> empty     (score index, ascending)
//	m/<set>\x00<member>         -> <score>   (member index)
//
// Scores are stored as big-endian uint64 with the sign bit flipped so that
// byte order matches numeric order for negative scores too.
package pebbledb

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/hemant/titandelay/internal/base"
	"github.com/hemant/titandelay/internal/errors"
)

// DB is a sorted set store backed by Pebble.
type DB struct {
	db *pebble.DB

	// mu serializes writers, which read the member index before committing.
	// Readers hold it shared so Close cannot race an open iterator.
	mu sync.RWMutex

	closeOnce sync.Once
	closed    chan struct{}
}

// Open opens or creates a store under dir.
func Open(dir string) (*DB, error) {
	var op errors.Op = "pebbledb.Open"
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, err)
	}
	return &DB{db: db, closed: make(chan struct{})}, nil
}

// Ping reports whether the store is still open.
func (d *DB) Ping(ctx context.Context) error {
	var op errors.Op = "pebbledb.Ping"
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := d.check(ctx); err != nil {
		return errors.E(op, errors.Unavailable, err)
	}
	return nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	err := errors.New("pebbledb: already closed")
	d.closeOnce.Do(func() {
		close(d.closed)
		d.mu.Lock()
		defer d.mu.Unlock()
		err = d.db.Close()
	})
	return err
}

// ZAdd inserts members or updates their score in one atomic batch.
func (d *DB) ZAdd(ctx context.Context, key string, members ...base.Z) error {
	var op errors.Op = "pebbledb.ZAdd"
	if len(members) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return errors.E(op, errors.Unavailable, err)
	}
	b := d.db.NewBatch()
	defer b.Close()
	seen := make(map[string]bool, len(members))
	// Walk backwards so the last score given for a member wins.
	for i := len(members) - 1; i >= 0; i-- {
		m := members[i]
		if seen[m.Member] {
			continue
		}
		seen[m.Member] = true
		mk := memberKey(key, m.Member)
		old, found, err := d.get(mk)
		if err != nil {
			return errors.E(op, errors.Internal, err)
		}
		if found {
			if err := b.Delete(scoreKey(key, old, m.Member), nil); err != nil {
				return errors.E(op, errors.Internal, err)
			}
		}
		if err := b.Set(scoreKey(key, m.Score, m.Member), nil, nil); err != nil {
			return errors.E(op, errors.Internal, err)
		}
		if err := b.Set(mk, encodeScore(m.Score), nil); err != nil {
			return errors.E(op, errors.Internal, err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return errors.E(op, errors.Internal, err)
	}
	return nil
}

// ZRangeWithScores returns members ranked start..stop (inclusive) in ascending
// score order. Negative ranks count from the end, as in redis.
func (d *DB) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]base.Z, error) {
	var op errors.Op = "pebbledb.ZRangeWithScores"
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := d.check(ctx); err != nil {
		return nil, errors.E(op, errors.Unavailable, err)
	}
	if start < 0 || stop < 0 {
		n, err := d.card(key)
		if err != nil {
			return nil, errors.E(op, errors.Internal, err)
		}
		if start < 0 {
			start += n
		}
		if stop < 0 {
			stop += n
		}
		if start < 0 {
			start = 0
		}
	}
	if stop < start {
		return nil, nil
	}
	iter, err := d.db.NewIter(prefixBounds(scorePrefix(key)))
	if err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}
	defer iter.Close()

	var (
		out  []base.Z
		rank int64
		pfx  = len(scorePrefix(key))
	)
	for iter.First(); iter.Valid() && rank <= stop; iter.Next() {
		if rank >= start {
			k := iter.Key()
			out = append(out, base.Z{
				Score:  decodeScore(k[pfx : pfx+8]),
				Member: string(k[pfx+8:]),
			})
		}
		rank++
	}
	if err := iter.Error(); err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}
	return out, nil
}

// ZRem removes members and returns how many were present.
func (d *DB) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	var op errors.Op = "pebbledb.ZRem"
	if len(members) == 0 {
		return 0, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return 0, errors.E(op, errors.Unavailable, err)
	}
	b := d.db.NewBatch()
	defer b.Close()
	var n int64
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if seen[m] {
			continue
		}
		seen[m] = true
		if err := d.remove(b, key, m, &n); err != nil {
			return 0, errors.E(op, errors.Internal, err)
		}
	}
	if n == 0 {
		return 0, nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, errors.E(op, errors.Internal, err)
	}
	return n, nil
}

// ZCard returns the number of members in the set.
func (d *DB) ZCard(ctx context.Context, key string) (int64, error) {
	var op errors.Op = "pebbledb.ZCard"
	d.mu.RLock()
	defer d.mu.RUnlock()
	if err := d.check(ctx); err != nil {
		return 0, errors.E(op, errors.Unavailable, err)
	}
	n, err := d.card(key)
	if err != nil {
		return 0, errors.E(op, errors.Internal, err)
	}
	return n, nil
}

func (d *DB) card(key string) (int64, error) {
	iter, err := d.db.NewIter(prefixBounds(memberPrefix(key)))
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	var n int64
	for iter.First(); iter.Valid(); iter.Next() {
		n++
	}
	return n, iter.Error()
}

// ZMove removes z from src and adds it to dst in one batch.
func (d *DB) ZMove(ctx context.Context, src, dst string, z base.Z) error {
	var op errors.Op = "pebbledb.ZMove"
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(ctx); err != nil {
		return errors.E(op, errors.Unavailable, err)
	}
	b := d.db.NewBatch()
	defer b.Close()
	var n int64
	if err := d.remove(b, src, z.Member, &n); err != nil {
		return errors.E(op, errors.Internal, err)
	}
	mk := memberKey(dst, z.Member)
	old, found, err := d.get(mk)
	if err != nil {
		return errors.E(op, errors.Internal, err)
	}
	if found {
		if err := b.Delete(scoreKey(dst, old, z.Member), nil); err != nil {
			return errors.E(op, errors.Internal, err)
		}
	}
	if err := b.Set(scoreKey(dst, z.Score, z.Member), nil, nil); err != nil {
		return errors.E(op, errors.Internal, err)
	}
	if err := b.Set(mk, encodeScore(z.Score), nil); err != nil {
		return errors.E(op, errors.Internal, err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return errors.E(op, errors.Internal, err)
	}
	return nil
}

// remove stages deletion of member from key into b, incrementing n if present.
// Caller must hold d.mu.
func (d *DB) remove(b *pebble.Batch, key, member string, n *int64) error {
	mk := memberKey(key, member)
	score, found, err := d.get(mk)
	if err != nil || !found {
		return err
	}
	if err := b.Delete(scoreKey(key, score, member), nil); err != nil {
		return err
	}
	if err := b.Delete(mk, nil); err != nil {
		return err
	}
	*n++
	return nil
}

func (d *DB) get(k []byte) (score int64, found bool, err error) {
	v, closer, err := d.db.Get(k)
	if err == pebble.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer closer.Close()
	return decodeScore(v), true, nil
}

func (d *DB) check(ctx context.Context) error {
	select {
	case <-d.closed:
		return errors.New("pebbledb: store is closed")
	default:
	}
	return ctx.Err()
}

func scorePrefix(key string) []byte {
	return append([]byte("z/"+key), 0)
}

func memberPrefix(key string) []byte {
	return append([]byte("m/"+key), 0)
}

func scoreKey(key string, score int64, member string) []byte {
	k := scorePrefix(key)
	k = append(k, encodeScore(score)...)
	return append(k, member...)
}

func memberKey(key, member string) []byte {
	return append(memberPrefix(key), member...)
}

func encodeScore(score int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(score)^(1<<63))
	return buf[:]
}

func decodeScore(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

func prefixBounds(prefix []byte) *pebble.IterOptions {
	return &pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	}
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}
