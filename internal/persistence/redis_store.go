package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/stepflow/pkg/api"
)

// RedisRepository is a WorkflowStateRepository backed by Redis.
// It uses a simple key structure:
//
//	<prefix>inst:<run>              => gob-encoded WorkflowInstance
//	<prefix>idx:created             => ZSET of run ids scored by creation time
//	<prefix>idx:wf:<workflow>       => SET of run ids for a workflow
//	<prefix>idx:status:<status>     => SET of run ids for a status
//
// Saves run under WATCH on the instance key, so a concurrent writer makes
// the transaction fail and the save returns ErrConcurrentModification.
type RedisRepository struct {
	client redis.UniversalClient
	prefix string
}

var _ api.WorkflowStateRepository = (*RedisRepository)(nil)

// NewRedisRepository creates a RedisRepository. prefix defaults to
// "stepflow:".
func NewRedisRepository(client redis.UniversalClient, prefix string) *RedisRepository {
	if prefix == "" {
		prefix = "stepflow:"
	}
	return &RedisRepository{client: client, prefix: prefix}
}

func (r *RedisRepository) keyInstance(id string) string {
	return r.prefix + "inst:" + id
}

func (r *RedisRepository) keyCreated() string {
	return r.prefix + "idx:created"
}

func (r *RedisRepository) keyWorkflow(id string) string {
	return r.prefix + "idx:wf:" + id
}

func (r *RedisRepository) keyStatus(status api.Status) string {
	return r.prefix + "idx:status:" + string(status)
}

func (r *RedisRepository) Save(ctx context.Context, inst *api.WorkflowInstance) error {
	key := r.keyInstance(inst.RunID)

	next := inst.Clone()
	next.Version++
	data, err := encodeInstance(next)
	if err != nil {
		return err
	}

	txf := func(tx *redis.Tx) error {
		var prevStatus api.Status
		cur, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if inst.Version != 0 {
				return api.ErrRunNotFound
			}
		case err != nil:
			return err
		default:
			stored, err := decodeInstance(cur)
			if err != nil {
				return err
			}
			if inst.Version == 0 || stored.Version != inst.Version {
				return api.ErrConcurrentModification
			}
			prevStatus = stored.Status
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if prevStatus != "" && prevStatus != inst.Status {
				pipe.SRem(ctx, r.keyStatus(prevStatus), inst.RunID)
			}
			pipe.SAdd(ctx, r.keyStatus(inst.Status), inst.RunID)
			pipe.SAdd(ctx, r.keyWorkflow(inst.WorkflowID), inst.RunID)
			pipe.ZAdd(ctx, r.keyCreated(), redis.Z{Score: float64(inst.CreatedAt.UnixNano()), Member: inst.RunID})
			return nil
		})
		return err
	}

	if err := r.client.Watch(ctx, txf, key); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return api.ErrConcurrentModification
		}
		return err
	}
	inst.Version = next.Version
	return nil
}

func (r *RedisRepository) Load(ctx context.Context, runID string) (*api.WorkflowInstance, error) {
	data, err := r.client.Get(ctx, r.keyInstance(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, api.ErrRunNotFound
		}
		return nil, err
	}
	return decodeInstance(data)
}

func (r *RedisRepository) List(ctx context.Context, filter api.InstanceFilter) ([]*api.WorkflowInstance, error) {
	var (
		ids []string
		err error
	)
	switch {
	case filter.WorkflowID != "" && filter.Status != "":
		ids, err = r.client.SInter(ctx, r.keyWorkflow(filter.WorkflowID), r.keyStatus(filter.Status)).Result()
	case filter.WorkflowID != "":
		ids, err = r.client.SMembers(ctx, r.keyWorkflow(filter.WorkflowID)).Result()
	case filter.Status != "":
		ids, err = r.client.SMembers(ctx, r.keyStatus(filter.Status)).Result()
	default:
		ids, err = r.client.ZRange(ctx, r.keyCreated(), 0, -1).Result()
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	instances, err := r.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}

	// Indexes are filters; the payload is authoritative.
	out := instances[:0]
	for _, inst := range instances {
		if filter.Matches(inst) {
			out = append(out, inst)
		}
	}
	sortInstances(out)
	return out, nil
}

func (r *RedisRepository) loadMany(ctx context.Context, ids []string) ([]*api.WorkflowInstance, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, r.keyInstance(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	instances := make([]*api.WorkflowInstance, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		inst, err := decodeInstance(data)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

func (r *RedisRepository) CountByStatus(ctx context.Context, status api.Status) (int, error) {
	n, err := r.client.SCard(ctx, r.keyStatus(status)).Result()
	return int(n), err
}

func (r *RedisRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	var candidates []string
	for _, st := range terminalStatuses {
		ids, err := r.client.SMembers(ctx, r.keyStatus(st)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return 0, err
		}
		candidates = append(candidates, ids...)
	}

	instances, err := r.loadMany(ctx, candidates)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, inst := range instances {
		if !inst.Status.Terminal() || !inst.UpdatedAt.Before(cutoff) {
			continue
		}
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, r.keyInstance(inst.RunID))
			pipe.SRem(ctx, r.keyStatus(inst.Status), inst.RunID)
			pipe.SRem(ctx, r.keyWorkflow(inst.WorkflowID), inst.RunID)
			pipe.ZRem(ctx, r.keyCreated(), inst.RunID)
			return nil
		})
		if err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}
