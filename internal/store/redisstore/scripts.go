package redisstore

import "github.com/redis/go-redis/v9"

// All scripts return -1 when the room hash does not exist.

// assignScript claims the mentor slot when it is free. Re-claiming by the
// current mentor succeeds so a retried call is harmless.
var assignScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return {-1} end
local m = redis.call('HGET', KEYS[1], 'mentorId')
local ok = 0
if m == false or m == '' or m == ARGV[1] then
  redis.call('HSET', KEYS[1], 'mentorId', ARGV[1])
  ok = 1
end
local out = {ok}
local fields = redis.call('HGETALL', KEYS[1])
for i = 1, #fields do out[#out + 1] = fields[i] end
return out
`)

var incrScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local n = (tonumber(redis.call('HGET', KEYS[1], 'studentCount')) or 0) + tonumber(ARGV[1])
if n < 0 then n = 0 end
redis.call('HSET', KEYS[1], 'studentCount', n)
return n
`)

var clearScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'mentorId') ~= ARGV[1] then return 0 end
local orig = redis.call('HGET', KEYS[1], 'originalCode') or ''
redis.call('HSET', KEYS[1], 'code', orig, 'studentCount', 0, 'mentorId', '')
return 1
`)

var resetScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
local orig = redis.call('HGET', KEYS[1], 'originalCode') or ''
redis.call('HSET', KEYS[1], 'code', orig, 'studentCount', 0, 'mentorId', '')
return 1
`)

var setCodeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
redis.call('HSET', KEYS[1], 'code', ARGV[1])
return 1
`)
