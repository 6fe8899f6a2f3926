package redisstore

import "github.com/go-redis/redis/v8"

// FixedWindowScript performs the whole fixed-window read-modify-write in one
// round trip: window check, count bump or reset, expiry refresh.
//
// KEYS[1] bucket key
// ARGV[1] window length in milliseconds
// ARGV[2] current time in milliseconds
//
// Reply: {count, windowStart(ms)}
var FixedWindowScript = redis.NewScript(`
local ws = redis.call('HGET', KEYS[1], 'ws')
if ws and tonumber(ARGV[2]) - tonumber(ws) < tonumber(ARGV[1]) then
  local count = redis.call('HINCRBY', KEYS[1], 'count', 1)
  return {count, tonumber(ws)}
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'count', 1, 'ws', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return {1, tonumber(ARGV[2])}
`)

// SlidingWindowScript prunes the bucket's ordered set below the window
// floor, inserts the new timestamp when the set is still under the limit,
// refreshes expiry and reads back the surviving scores, atomically. A denied
// request leaves no entry behind. The window length is stored next to the
// bucket under the same expiry so reads can recompute the floor.
//
// KEYS[1] bucket key
// KEYS[2] window length key
// ARGV[1] window floor in milliseconds (inclusive prune bound)
// ARGV[2] timestamp of this request in milliseconds
// ARGV[3] set member for this request
// ARGV[4] window length in milliseconds
// ARGV[5] limit (<= 0 inserts unconditionally)
//
// Reply: {accepted, score...} with scores oldest first.
var SlidingWindowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local limit = tonumber(ARGV[5])
local accepted = 0
if limit <= 0 or redis.call('ZCARD', KEYS[1]) < limit then
  redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
  accepted = 1
end
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('SET', KEYS[2], ARGV[4], 'PX', ARGV[4])
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '+inf', 'WITHSCORES')
local reply = {accepted}
for i = 2, #members, 2 do
  reply[#reply + 1] = members[i]
end
return reply
`)
