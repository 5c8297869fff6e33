package queue

import "github.com/redis/go-redis/v9"

const (
	enqueueOK            = 1
	enqueueAlreadyQueued = -1
	enqueueMatched       = -2
)

// KEYS: waiting, meta, match mirror. ARGV: userId, score, payload.
var enqueueScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return -1
end
if redis.call('EXISTS', KEYS[3]) == 1 then
	return -2
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
return 1
`)

// KEYS: waiting, meta, seen, then one match mirror per candidate. ARGV: candidates in the same order.
// Candidates that hold a match stay queued for the reconciler.
var dequeueScript = redis.NewScript(`
local out = {}
for i = 1, #ARGV do
	local user = ARGV[i]
	if redis.call('ZSCORE', KEYS[1], user) and redis.call('EXISTS', KEYS[3 + i]) == 0 then
		local payload = redis.call('HGET', KEYS[2], user)
		redis.call('ZREM', KEYS[1], user)
		redis.call('HDEL', KEYS[2], user)
		redis.call('HDEL', KEYS[3], user)
		if payload then
			table.insert(out, payload)
		end
	end
end
return out
`)

// KEYS: waiting, meta, seen. ARGV: userId, expected payload ('' when the meta field is absent).
var removeIfPayloadScript = redis.NewScript(`
local payload = redis.call('HGET', KEYS[2], ARGV[1])
if not payload then
	payload = ''
end
if payload ~= ARGV[2] then
	return 0
end
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
removed = removed + redis.call('HDEL', KEYS[2], ARGV[1])
removed = removed + redis.call('HDEL', KEYS[3], ARGV[1])
if removed > 0 then
	return 1
end
return 0
`)

// KEYS: waiting, meta, seen, guard. ARGV: userId, guard mode.
// Mode 'exists' removes only while the guard key exists, 'missing' only while it is absent.
var removeGuardedScript = redis.NewScript(`
local exists = redis.call('EXISTS', KEYS[4]) == 1
if (ARGV[2] == 'exists' and not exists) or (ARGV[2] == 'missing' and exists) then
	return 0
end
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
return removed
`)

// KEYS: waiting, meta, seen. ARGV: userId.
var dropOrphanMetaScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return 0
end
return redis.call('HDEL', KEYS[2], ARGV[1]) + redis.call('HDEL', KEYS[3], ARGV[1])
`)
