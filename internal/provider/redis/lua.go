package redis

// compareAndSwapLua writes ARGV[2] to KEYS[1] only when the stored record's
// version equals ARGV[1]. A missing key counts as version 0. On success the
// campaign id ARGV[3] is added to the index set KEYS[2].
const compareAndSwapLua = `
local cur = redis.call('GET', KEYS[1])
local version = 0
if cur then
  local ok, decoded = pcall(cjson.decode, cur)
  if not ok then
    return redis.error_reply('corrupt run state')
  end
  version = tonumber(decoded['version']) or 0
end
if version ~= tonumber(ARGV[1]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
return 1
`
