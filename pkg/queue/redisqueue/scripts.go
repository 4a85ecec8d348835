package redisqueue

import redis "github.com/redis/go-redis/v9"

// Keys shared by the scripts, in order: wait, delayed, active, jobs,
// attempts, priority, seq, failed, completed. Scores are formatted as
// integers since Lua would otherwise print them with 14 digits.
//
// Complete, retry and fail carry the attempt number the caller reserved.
// A lease re-taken after a stall has a higher number, and the scripts refuse
// to settle it on behalf of the earlier holder.

// enqueueScript stores a job and puts it in the wait or delayed set.
// ARGV: id, payload, priority, attempts, available at (ms, 0 when ready).
var enqueueScript = redis.NewScript(`
local id = ARGV[1]
redis.call('HSET', KEYS[4], id, ARGV[2])
redis.call('HSET', KEYS[5], id, ARGV[4])
redis.call('HSET', KEYS[6], id, ARGV[3])

local at = tonumber(ARGV[5])
if at > 0 then
  redis.call('ZADD', KEYS[2], ARGV[5], id)
else
  local seq = redis.call('INCR', KEYS[7]) % 1000000000
  redis.call('ZADD', KEYS[1], string.format('%.0f', tonumber(ARGV[3]) * 1000000000 + seq), id)
end
return 1
`)

// reserveScript promotes due delayed jobs, then leases the first waiting job.
// ARGV: now (ms), lease deadline (ms). Returns {payload, attempts} or nil.
var reserveScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  local priority = tonumber(redis.call('HGET', KEYS[6], id) or '0')
  local seq = redis.call('INCR', KEYS[7]) % 1000000000
  redis.call('ZADD', KEYS[1], string.format('%.0f', priority * 1000000000 + seq), id)
end

while true do
  local popped = redis.call('ZPOPMIN', KEYS[1])
  if #popped == 0 then
    return nil
  end

  local id = popped[1]
  local payload = redis.call('HGET', KEYS[4], id)
  if payload then
    redis.call('ZADD', KEYS[3], ARGV[2], id)
    local attempts = redis.call('HINCRBY', KEYS[5], id, 1)
    return {payload, attempts}
  end
end
`)

// requeueScript moves jobs whose lease ended before now back to the wait set.
// ARGV: now (ms).
var requeueScript = redis.NewScript(`
local stalled = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', '(' .. ARGV[1])
for _, id in ipairs(stalled) do
  redis.call('ZREM', KEYS[3], id)
  local priority = tonumber(redis.call('HGET', KEYS[6], id) or '0')
  local seq = redis.call('INCR', KEYS[7]) % 1000000000
  redis.call('ZADD', KEYS[1], string.format('%.0f', priority * 1000000000 + seq), id)
end
return #stalled
`)

// retryScript returns an active job to the delayed set with an updated payload.
// ARGV: id, payload, available at (ms), attempt. Returns 0 when the job is
// not active for that attempt.
var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[5], ARGV[1]) ~= ARGV[4] then
  return 0
end
if redis.call('ZREM', KEYS[3], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[4], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// failScript moves an active job to the failed list.
// KEYS[8] is the failed list. ARGV: id, payload, attempt.
var failScript = redis.NewScript(`
if redis.call('HGET', KEYS[5], ARGV[1]) ~= ARGV[3] then
  return 0
end
if redis.call('ZREM', KEYS[3], ARGV[1]) == 0 then
  return 0
end
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
redis.call('HDEL', KEYS[6], ARGV[1])
redis.call('LPUSH', KEYS[8], ARGV[2])
return 1
`)

// completeScript drops a finished job and records it in the completed set.
// KEYS[9] is the completed set. ARGV: id, now (ms), max age (ms, 0 keeps
// forever), max count (0 keeps all), retain (1 or 0), attempt. Returns 0 when
// another attempt holds the lease.
var completeScript = redis.NewScript(`
local id = ARGV[1]
if redis.call('ZSCORE', KEYS[3], id) and redis.call('HGET', KEYS[5], id) ~= ARGV[6] then
  return 0
end
redis.call('ZREM', KEYS[3], id)
redis.call('ZREM', KEYS[1], id)
redis.call('ZREM', KEYS[2], id)
redis.call('HDEL', KEYS[4], id)
redis.call('HDEL', KEYS[5], id)
redis.call('HDEL', KEYS[6], id)

if ARGV[5] ~= '1' then
  return 1
end

local now = tonumber(ARGV[2])
redis.call('ZADD', KEYS[9], ARGV[2], id)

local age = tonumber(ARGV[3])
if age > 0 then
  redis.call('ZREMRANGEBYSCORE', KEYS[9], '-inf', '(' .. string.format('%.0f', now - age))
end

local count = tonumber(ARGV[4])
if count > 0 then
  redis.call('ZREMRANGEBYRANK', KEYS[9], 0, -(count + 1))
end
return 1
`)
