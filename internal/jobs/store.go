package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix = "job:"
)

// Store はジョブレコードの永続化契約です。
// 実体は外部エンジンであり、このコアは作成・取得・部分更新のみを利用します。
type Store interface {
	// CreateJob はジョブレコードを新規作成します。
	CreateJob(ctx context.Context, job *Job) error
	// GetJob はジョブを取得します。存在しない場合は (nil, nil) を返します。
	GetJob(ctx context.Context, jobID string) (*Job, error)
	// UpdateJob はパッチに含まれるフィールドのみを上書きするマージ更新です。
	UpdateJob(ctx context.Context, jobID string, patch Patch) error
}

// RedisStore はジョブ状態を Redis に保存する Store 実装です。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
	}
}

// CreateJob はジョブレコードを保存します。
func (s *RedisStore) CreateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.JobID == "" {
		return fmt.Errorf("jobID is required")
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, jobKey(job.JobID), payload, s.ttl).Err()
}

// GetJob はジョブ情報を取得します。
func (s *RedisStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateJob はジョブレコードへパッチを適用します。
// 読み取り・適用・書き戻しを TxPipeline で行い、競合時は再試行します。
func (s *RedisStore) UpdateJob(ctx context.Context, jobID string, patch Patch) error {
	key := jobKey(jobID)
	for {
		tx := s.rdb.TxPipeline()
		data, err := s.rdb.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return fmt.Errorf("job not found: %s", jobID)
			}
			return err
		}
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		patch.apply(&job)
		job.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		tx.Set(ctx, key, payload, s.ttl)
		_, err = tx.Exec(ctx)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
