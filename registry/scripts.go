package registry

import "github.com/redis/go-redis/v9"

// KEYS: active matches, mirror A, mirror B, in_call, optionally the waiting queue.
// ARGV: room, payload, userA, userB, mirror ttl ms, now ms.
// With the waiting queue given, both users must still be in it.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 or redis.call('EXISTS', KEYS[3]) == 1 then
	return 0
end
if #KEYS >= 5 and (not redis.call('ZSCORE', KEYS[5], ARGV[3]) or not redis.call('ZSCORE', KEYS[5], ARGV[4])) then
	return -2
end
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
	return -1
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[5])
redis.call('SET', KEYS[3], ARGV[2], 'PX', ARGV[5])
redis.call('ZADD', KEYS[4], ARGV[6], ARGV[3], ARGV[6], ARGV[4])
return 1
`)

// KEYS: active matches, mirror A, mirror B, in_call. ARGV: room, payload, userA, userB.
// Only structures still holding payload are removed. A user leaves in_call once no mirror is left for them.
var endScript = redis.NewScript(`
local removed = 0
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
	redis.call('HDEL', KEYS[1], ARGV[1])
	removed = 1
end
for i = 2, 3 do
	if redis.call('GET', KEYS[i]) == ARGV[2] then
		redis.call('DEL', KEYS[i])
		removed = 1
	end
	if redis.call('EXISTS', KEYS[i]) == 0 then
		redis.call('ZREM', KEYS[4], ARGV[i + 1])
	end
end
return removed
`)

// KEYS: mirror, in_call. ARGV: userId, payload.
var dropMirrorScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[2] then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

// KEYS: active matches. ARGV: room, payload.
var dropRoomScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
	return 0
end
return redis.call('HDEL', KEYS[1], ARGV[1])
`)

// KEYS: in_call, mirror. ARGV: userId.
var dropInCallScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 0
end
return redis.call('ZREM', KEYS[1], ARGV[1])
`)
