package redis

import (
	"github.com/redis/go-redis/v9"
)

// PopDueScript removes and returns the lowest-scored member of a sorted set
// whose score is at most ARGV[1], or nil when nothing is due. Running it as one
// script keeps two poppers from ever getting the same member.
//
// KEYS[1] sorted set, ARGV[1] now in ms
var PopDueScript = redis.NewScript(`
	local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'WITHSCORES', 'LIMIT', 0, 1)
	if #items == 0 then
		return nil
	end
	redis.call('ZREM', KEYS[1], items[1])
	return items
`)

// SetUnlessCompletedScript overwrites a JSON status record unless the stored
// one is already COMPLETED. Returns 1 when written, 0 when refused.
//
// KEYS[1] record key, ARGV[1] JSON value, ARGV[2] ttl in ms (0 keeps no expiry)
var SetUnlessCompletedScript = redis.NewScript(`
	local current = redis.call('GET', KEYS[1])
	if current and string.find(current, '"status":"COMPLETED"', 1, true) then
		return 0
	end
	local ttl = tonumber(ARGV[2])
	if ttl > 0 then
		redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
	else
		redis.call('SET', KEYS[1], ARGV[1])
	end
	return 1
`)
