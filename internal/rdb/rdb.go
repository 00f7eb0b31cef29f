// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package rdb encapsulates the interactions with redis.
package rdb

import (
	"context"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/hemant/titandelay/internal/base"
	"github.com/hemant/titandelay/internal/errors"
	"github.com/redis/go-redis/v9"
)

// RDB is a client interface to query and mutate delay buckets held in redis sorted sets.
type RDB struct {
	client redis.UniversalClient
}

// NewRDB returns a new instance of RDB.
func NewRDB(client redis.UniversalClient) *RDB {
	return &RDB{client: client}
}

// Close closes the connection with redis server.
func (r *RDB) Close() error {
	return r.client.Close()
}

// Client returns the reference to underlying redis client.
func (r *RDB) Client() redis.UniversalClient {
	return r.client
}

// Ping checks the connection with redis server.
func (r *RDB) Ping(ctx context.Context) error {
	var op errors.Op = "rdb.Ping"
	if err := r.client.Ping(ctx).Err(); err != nil {
		return wrap(op, "ping", err)
	}
	return nil
}

// ZAdd adds members to the sorted set at key with a single ZADD, so a batch
// is applied all-or-nothing.
func (r *RDB) ZAdd(ctx context.Context, key string, members ...base.Z) error {
	var op errors.Op = "rdb.ZAdd"
	if len(members) == 0 {
		return nil
	}
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Score: float64(m.Score), Member: m.Member}
	}
	if err := r.client.ZAdd(ctx, key, zs...).Err(); err != nil {
		return wrap(op, "zadd", err)
	}
	return nil
}

// ZRangeWithScores returns members ranked start..stop in ascending score order.
func (r *RDB) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]base.Z, error) {
	var op errors.Op = "rdb.ZRangeWithScores"
	res, err := r.client.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wrap(op, "zrange", err)
	}
	out := make([]base.Z, 0, len(res))
	for _, z := range res {
		member, ok := z.Member.(string)
		if !ok {
			return nil, errors.E(op, errors.Internal, "unexpected non-string sorted set member")
		}
		out = append(out, base.Z{Member: member, Score: int64(z.Score)})
	}
	return out, nil
}

// ZRem removes members from the sorted set at key.
// Removing absent members is not an error.
func (r *RDB) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	var op errors.Op = "rdb.ZRem"
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	n, err := r.client.ZRem(ctx, key, args...).Result()
	if err != nil {
		return 0, wrap(op, "zrem", err)
	}
	return n, nil
}

// ZCard returns the number of members in the sorted set at key.
func (r *RDB) ZCard(ctx context.Context, key string) (int64, error) {
	var op errors.Op = "rdb.ZCard"
	n, err := r.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, wrap(op, "zcard", err)
	}
	return n, nil
}

// ZMove removes z from src and adds it to dst inside a MULTI/EXEC transaction.
func (r *RDB) ZMove(ctx context.Context, src, dst string, z base.Z) error {
	var op errors.Op = "rdb.ZMove"
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, src, z.Member)
		pipe.ZAdd(ctx, dst, redis.Z{Score: float64(z.Score), Member: z.Member})
		return nil
	})
	if err != nil {
		return wrap(op, "multi", err)
	}
	return nil
}

func wrap(op errors.Op, cmd string, err error) error {
	code := errors.Internal
	if isUnavailable(err) {
		code = errors.Unavailable
	}
	return errors.E(op, code, &errors.StoreCommandError{Command: cmd, Err: err})
}

// Replies redis sends while it cannot serve data; retrying later is safe.
var unavailableReplies = []string{"LOADING", "CLUSTERDOWN", "TRYAGAIN", "MASTERDOWN", "READONLY"}

// isUnavailable reports whether err means redis could not be reached or
// did not answer in time, as opposed to rejecting the command.
func isUnavailable(err error) bool {
	var rerr redis.Error
	if errors.As(err, &rerr) {
		msg := rerr.Error()
		for _, prefix := range unavailableReplies {
			if strings.HasPrefix(msg, prefix) {
				return true
			}
		}
		return false
	}
	var netErr net.Error
	switch {
	case errors.Is(err, redis.ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.As(err, &netErr):
		return true
	}
	return false
}
