// Package coordination keeps periodic jobs from running on more than one
// replica at a time.
package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	lock "github.com/bsm/redis-lock"
	"github.com/go-redis/redis"
	log "github.com/sirupsen/logrus"
)

// RedisRunLock guards one named job with a Redis lock and remembers when the
// last completed run started. A run is due once a full interval has passed
// since that start, less a small slack for ticker jitter.
type RedisRunLock struct {
	client      *redis.Client
	lockKey     string
	lastRunKey  string
	interval    time.Duration
	slack       time.Duration
	lockTimeout time.Duration
	now         func() time.Time
}

func NewRedisRunLock(client *redis.Client, job string, interval time.Duration) *RedisRunLock {
	return &RedisRunLock{
		client:      client,
		lockKey:     fmt.Sprintf("guildindex:%s:lock", job),
		lastRunKey:  fmt.Sprintf("guildindex:%s:last-run", job),
		interval:    interval,
		slack:       runSlack(interval),
		lockTimeout: 10 * time.Minute,
		now:         time.Now,
	}
}

func runSlack(interval time.Duration) time.Duration {
	slack := interval / 20
	if slack > 30*time.Second {
		slack = 30 * time.Second
	}
	return slack
}

// Connect dials Redis and checks the connection.
func Connect(addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if _, err := client.Ping().Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Begin takes the lock. ok is false when another replica holds it or the job
// completed less than one interval ago. On ok the caller must call finish,
// passing whether the run completed.
func (l *RedisRunLock) Begin(ctx context.Context) (finish func(completed bool), ok bool, err error) {
	locker := lock.New(l.client, l.lockKey, &lock.Options{
		LockTimeout: l.lockTimeout,
		RetryCount:  0,
	})
	locked, err := locker.LockWithContext(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire run lock: %w", err)
	}
	if !locked {
		log.WithField("key", l.lockKey).Debug("run lock held elsewhere")
		return nil, false, nil
	}

	started := l.now().UTC()
	due, err := l.due(started)
	if err != nil || !due {
		if uerr := locker.Unlock(); uerr != nil {
			log.WithError(uerr).Warn("release run lock")
		}
		return nil, false, err
	}

	finish = func(completed bool) {
		if completed {
			if err := l.markRun(started); err != nil {
				log.WithError(err).Warn("record last run")
			}
		}
		if err := locker.Unlock(); err != nil {
			log.WithError(err).Warn("release run lock")
		}
	}
	return finish, true, nil
}

func (l *RedisRunLock) due(now time.Time) (bool, error) {
	raw, err := l.client.Get(l.lastRunKey).Bytes()
	if err == redis.Nil {
		return true, nil
	} else if err != nil {
		return false, fmt.Errorf("read last run: %w", err)
	}

	var last time.Time
	if err := json.Unmarshal(raw, &last); err != nil {
		return false, fmt.Errorf("decode last run: %w", err)
	}
	return now.Sub(last) >= l.interval-l.slack, nil
}

// markRun stamps the start of a completed run. The key outlives the interval
// so a missing key always means no run is on record.
func (l *RedisRunLock) markRun(started time.Time) error {
	raw, err := json.Marshal(started)
	if err != nil {
		return err
	}
	return l.client.Set(l.lastRunKey, raw, 2*l.interval).Err()
}
