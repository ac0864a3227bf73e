package redis

const (
	// appendBufferScript stores events and purges expired ones atomically.
	// Entries live in a hash keyed by a zero-padded sequence so that
	// lexical order is insertion order; a sorted set scores each sequence
	// by its start time in milliseconds for the age purge.
	appendBufferScript = `
local entries_key = KEYS[1]   -- tabtrack:buffer:entries
local age_key = KEYS[2]       -- tabtrack:buffer:age
local seq_key = KEYS[3]       -- tabtrack:buffer:seq

local cutoff = ARGV[1]

-- ARGV[2..] holds (start_ms, payload) pairs
for i = 2, #ARGV, 2 do
  local seq = redis.call('INCR', seq_key)
  local id = string.format('%020d', seq)
  redis.call('HSET', entries_key, id, ARGV[i + 1])
  redis.call('ZADD', age_key, ARGV[i], id)
end

local expired = redis.call('ZRANGEBYSCORE', age_key, '-inf', '(' .. cutoff)
for _, id in ipairs(expired) do
  redis.call('HDEL', entries_key, id)
  redis.call('ZREM', age_key, id)
end

return #expired
`
)
