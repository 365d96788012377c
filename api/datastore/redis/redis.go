// Package redis implements the shared state store on Redis. Every
// check-and-mutate is a Lua script so that concurrent workers never race a
// read against a write; single-command operations rely on Redis' own
// atomicity.
package redis

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gantryproject/gantry/api/datastore"
	"github.com/gantryproject/gantry/api/models"
	"github.com/gomodule/redigo/redis"
	"github.com/sirupsen/logrus"
)

const defaultPrefix = "gantry:"

type redisStore struct {
	pool     *redis.Pool
	prefix   string
	dedupTTL time.Duration
}

type redisProvider int

func (redisProvider) Supports(u *url.URL) bool {
	switch u.Scheme {
	case "redis", "rediss":
		return true
	}
	return false
}

func (redisProvider) String() string {
	return "redis"
}

func (redisProvider) New(u *url.URL) (datastore.Datastore, error) {
	pool := &redis.Pool{
		MaxIdle:     4,
		MaxActive:   16,
		Wait:        true,
		IdleTimeout: 300 * time.Second,
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(u.String())
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			_, err := c.Do("PING")
			return err
		},
	}

	// Force a connection so we can fail in case of error.
	conn := pool.Get()
	if err := conn.Err(); err != nil {
		conn.Close()
		return nil, err
	}
	conn.Close()

	prefix := defaultPrefix
	if p := strings.Trim(u.Path, "/"); p != "" && !isDBIndex(p) {
		prefix = p + ":"
	}

	logrus.WithFields(logrus.Fields{"prefix": prefix}).Info("redis datastore initialized")

	return &redisStore{
		pool:     pool,
		prefix:   prefix,
		dedupTTL: datastore.DefaultDedupTTL,
	}, nil
}

// isDBIndex reports whether a URL path component selects a redis database
// ("redis://host/2") rather than naming a key prefix.
func isDBIndex(p string) bool {
	for _, r := range p {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func init() {
	datastore.AddProvider(redisProvider(0))
}

func (s *redisStore) k(key string) string {
	return s.prefix + key
}

func (s *redisStore) conn(ctx context.Context) (redis.Conn, error) {
	return s.pool.GetContext(ctx)
}

var (
	// KEYS: running hash, global counter. ARGV: org, limit, max total.
	tryAdmitScript = redis.NewScript(2, `
local running = tonumber(redis.call('HGET', KEYS[1], ARGV[1])) or 0
if running >= tonumber(ARGV[2]) then
  return 'org'
end
local total = tonumber(redis.call('GET', KEYS[2])) or 0
if total >= tonumber(ARGV[3]) then
  return 'global'
end
redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
redis.call('INCR', KEYS[2])
return 'ok'`)

	// KEYS: running hash, global counter. ARGV: org.
	// Decrements clamp at zero; 1 signals that a clamp happened.
	releaseScript = redis.NewScript(2, `
local clamped = 0
local running = tonumber(redis.call('HGET', KEYS[1], ARGV[1])) or 0
if running > 1 then
  redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
elseif running == 1 then
  redis.call('HDEL', KEYS[1], ARGV[1])
else
  clamped = 1
end
local total = tonumber(redis.call('GET', KEYS[2])) or 0
if total > 0 then
  redis.call('DECR', KEYS[2])
else
  clamped = 1
end
return clamped`)

	// KEYS: queue, dedup key, org set. ARGV: payload, org, dedup TTL secs.
	enqueueScript = redis.NewScript(3, `
if redis.call('SET', KEYS[2], 1, 'NX', 'EX', ARGV[3]) == false then
  return 0
end
redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[2])
return 1`)

	// KEYS: queue, org set. ARGV: payload, org.
	enqueueFrontScript = redis.NewScript(2, `
redis.call('LPUSH', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[2], ARGV[2])
return 1`)

	// KEYS: queue, org set. ARGV: org.
	dequeueScript = redis.NewScript(2, `
local v = redis.call('LPOP', KEYS[1])
if v == false then
  redis.call('SREM', KEYS[2], ARGV[1])
  return false
end
if redis.call('LLEN', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[2], ARGV[1])
end
return v`)

	// KEYS: queue, org set. ARGV: org.
	purgeScript = redis.NewScript(2, `
local n = redis.call('LLEN', KEYS[1])
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[1])
return n`)

	// KEYS: limits hash. ARGV: replace flag, then org/limit pairs.
	setOverridesScript = redis.NewScript(1, `
if ARGV[1] == '1' then
  redis.call('DEL', KEYS[1])
end
local n = 0
for i = 2, #ARGV, 2 do
  if ARGV[1] == '1' or redis.call('HEXISTS', KEYS[1], ARGV[i]) == 0 then
    redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
    n = n + 1
  end
end
return n`)

	// KEYS: lease key. ARGV: owner, TTL msecs.
	// Re-acquire by the current holder extends the lease.
	acquireLeaseScript = redis.NewScript(1, `
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
  return 1
end
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0`)

	// KEYS: lease key. ARGV: owner.
	releaseLeaseScript = redis.NewScript(1, `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0`)
)

func (s *redisStore) TryAdmit(ctx context.Context, org string, limit, maxTotal uint64) (models.Admission, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return models.DeniedGlobalCap, err
	}
	defer conn.Close()

	res, err := redis.String(tryAdmitScript.Do(conn, s.k("running"), s.k("total_running"), org, limit, maxTotal))
	if err != nil {
		return models.DeniedGlobalCap, err
	}
	switch res {
	case "ok":
		return models.Admitted, nil
	case "org":
		return models.DeniedOrgCap, nil
	}
	return models.DeniedGlobalCap, nil
}

func (s *redisStore) Release(ctx context.Context, org string) (bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	clamped, err := redis.Int(releaseScript.Do(conn, s.k("running"), s.k("total_running"), org))
	if err != nil {
		return false, err
	}
	return clamped == 1, nil
}

func (s *redisStore) SetOrgRunning(ctx context.Context, org string, running uint64) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if running == 0 {
		_, err = conn.Do("HDEL", s.k("running"), org)
	} else {
		_, err = conn.Do("HSET", s.k("running"), org, running)
	}
	return err
}

func (s *redisStore) SetGlobalRunning(ctx context.Context, running uint64) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Do("SET", s.k("total_running"), running)
	return err
}

func (s *redisStore) OrgRunning(ctx context.Context, org string) (uint64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	n, err := redis.Uint64(conn.Do("HGET", s.k("running"), org))
	if err == redis.ErrNil {
		return 0, nil
	}
	return n, err
}

func (s *redisStore) GlobalRunning(ctx context.Context) (uint64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	n, err := redis.Uint64(conn.Do("GET", s.k("total_running")))
	if err == redis.ErrNil {
		return 0, nil
	}
	return n, err
}

func (s *redisStore) OrgRunningCounts(ctx context.Context) (map[string]uint64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return redis.Uint64Map(conn.Do("HGETALL", s.k("running")))
}

func (s *redisStore) queueKey(org string) string {
	return s.k("queue:" + org)
}

func (s *redisStore) Enqueue(ctx context.Context, job *models.JobRequest) (bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	buf, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	seenKey := s.k("seen:") + jobSeenField(job)
	queued, err := redis.Int(enqueueScript.Do(conn,
		s.queueKey(job.Org), seenKey, s.k("pending_orgs"),
		buf, job.Org, int(s.dedupTTL/time.Second)))
	if err != nil {
		return false, err
	}
	return queued == 1, nil
}

func (s *redisStore) EnqueueFront(ctx context.Context, job *models.JobRequest) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	buf, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = enqueueFrontScript.Do(conn, s.queueKey(job.Org), s.k("pending_orgs"), buf, job.Org)
	return err
}

func (s *redisStore) Dequeue(ctx context.Context, org string) (*models.JobRequest, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	buf, err := redis.Bytes(dequeueScript.Do(conn, s.queueKey(org), s.k("pending_orgs"), org))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var job models.JobRequest
	if err := json.Unmarshal(buf, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *redisStore) QueueLen(ctx context.Context, org string) (uint64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	return redis.Uint64(conn.Do("LLEN", s.queueKey(org)))
}

func (s *redisStore) NonEmptyOrgs(ctx context.Context) ([]string, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return redis.Strings(conn.Do("SMEMBERS", s.k("pending_orgs")))
}

func (s *redisStore) PurgeQueue(ctx context.Context, org string) (uint64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	return redis.Uint64(purgeScript.Do(conn, s.queueKey(org), s.k("pending_orgs"), org))
}

func (s *redisStore) Override(ctx context.Context, org string) (uint64, bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return 0, false, err
	}
	defer conn.Close()

	limit, err := redis.Uint64(conn.Do("HGET", s.k("limits"), org))
	if err == redis.ErrNil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return limit, true, nil
}

func (s *redisStore) SetOverride(ctx context.Context, org string, limit uint64) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Do("HSET", s.k("limits"), org, limit)
	return err
}

func (s *redisStore) RemoveOverride(ctx context.Context, org string) (bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	n, err := redis.Int(conn.Do("HDEL", s.k("limits"), org))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *redisStore) Overrides(ctx context.Context) (map[string]uint64, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return redis.Uint64Map(conn.Do("HGETALL", s.k("limits")))
}

func (s *redisStore) SetOverrides(ctx context.Context, limits map[string]uint64, replace bool) error {
	if len(limits) == 0 && !replace {
		return nil
	}
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	args := make([]interface{}, 0, 2+2*len(limits))
	args = append(args, s.k("limits"))
	if replace {
		args = append(args, "1")
	} else {
		args = append(args, "0")
	}
	for org, limit := range limits {
		args = append(args, org, limit)
	}
	_, err = setOverridesScript.Do(conn, args...)
	return err
}

func (s *redisStore) SaveRunner(ctx context.Context, rec *models.RunnerRecord) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = conn.Do("HSET", s.k("runners"), rec.Name, buf)
	return err
}

func (s *redisStore) Runner(ctx context.Context, name string) (*models.RunnerRecord, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	buf, err := redis.Bytes(conn.Do("HGET", s.k("runners"), name))
	if err == redis.ErrNil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec models.RunnerRecord
	if err := json.Unmarshal(buf, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *redisStore) Runners(ctx context.Context) ([]*models.RunnerRecord, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	raw, err := redis.StringMap(conn.Do("HGETALL", s.k("runners")))
	if err != nil {
		return nil, err
	}
	out := make([]*models.RunnerRecord, 0, len(raw))
	for name, buf := range raw {
		var rec models.RunnerRecord
		if err := json.Unmarshal([]byte(buf), &rec); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{"runner": name}).Error("dropping undecodable runner record")
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

func (s *redisStore) RemoveRunner(ctx context.Context, name string) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Do("HDEL", s.k("runners"), name)
	return err
}

func (s *redisStore) MarkReleased(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	reply, err := conn.Do("SET", s.k("released:")+name, 1, "NX", "EX", int(ttl/time.Second))
	if err != nil {
		return false, err
	}
	return reply != nil, nil
}

func (s *redisStore) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	ok, err := redis.Int(acquireLeaseScript.Do(conn, s.k("lease:")+key, owner, int(ttl/time.Millisecond)))
	if err != nil {
		return false, err
	}
	return ok == 1, nil
}

func (s *redisStore) ReleaseLease(ctx context.Context, key, owner string) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = releaseLeaseScript.Do(conn, s.k("lease:")+key, owner)
	return err
}

func (s *redisStore) Ping(ctx context.Context) error {
	conn, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Do("PING")
	return err
}

func (s *redisStore) Close() error {
	return s.pool.Close()
}

func jobSeenField(job *models.JobRequest) string {
	return "job:" + strconv.FormatInt(job.ID, 10)
}
