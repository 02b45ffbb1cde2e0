package common

func single(name string, group Group) CommandSpec {
	return CommandSpec{Name: name, Group: group, FirstKey: 1, LastKey: 1, Step: 1}
}

func pair(name string, group Group) CommandSpec {
	return CommandSpec{Name: name, Group: group, FirstKey: 1, LastKey: 2, Step: 1}
}

func keyless(name string, group Group) CommandSpec {
	return CommandSpec{Name: name, Group: group}
}

// commandTable covers the write commands a snapshot or a live stream can
// produce, plus the control commands a live stream interleaves with them.
var commandTable = buildCommandTable(
	// string
	single("SET", GroupString),
	single("SETNX", GroupString),
	single("SETEX", GroupString),
	single("PSETEX", GroupString),
	single("GETSET", GroupString),
	single("GETDEL", GroupString),
	single("GETEX", GroupString),
	single("APPEND", GroupString),
	single("INCR", GroupString),
	single("INCRBY", GroupString),
	single("INCRBYFLOAT", GroupString),
	single("DECR", GroupString),
	single("DECRBY", GroupString),
	single("SETRANGE", GroupString),
	single("SETBIT", GroupString),
	single("BITFIELD", GroupString),
	CommandSpec{Name: "MSET", Group: GroupString, FirstKey: 1, LastKey: -1, Step: 2, Split: SplitKeyValue},
	CommandSpec{Name: "MSETNX", Group: GroupString, FirstKey: 1, LastKey: -1, Step: 2},
	CommandSpec{Name: "BITOP", Group: GroupString, FirstKey: 2, LastKey: -1, Step: 1},

	// list
	single("RPUSH", GroupList),
	single("LPUSH", GroupList),
	single("RPUSHX", GroupList),
	single("LPUSHX", GroupList),
	single("LINSERT", GroupList),
	single("LSET", GroupList),
	single("LREM", GroupList),
	single("LTRIM", GroupList),
	single("LPOP", GroupList),
	single("RPOP", GroupList),
	pair("RPOPLPUSH", GroupList),
	pair("LMOVE", GroupList),
	CommandSpec{Name: "LMPOP", Group: GroupList, NumKeysIndex: 1},

	// set
	single("SADD", GroupSet),
	single("SREM", GroupSet),
	single("SPOP", GroupSet),
	pair("SMOVE", GroupSet),
	CommandSpec{Name: "SINTERSTORE", Group: GroupSet, FirstKey: 1, LastKey: -1, Step: 1},
	CommandSpec{Name: "SUNIONSTORE", Group: GroupSet, FirstKey: 1, LastKey: -1, Step: 1},
	CommandSpec{Name: "SDIFFSTORE", Group: GroupSet, FirstKey: 1, LastKey: -1, Step: 1},

	// sorted set
	single("ZADD", GroupSortedSet),
	single("ZINCRBY", GroupSortedSet),
	single("ZREM", GroupSortedSet),
	single("ZREMRANGEBYSCORE", GroupSortedSet),
	single("ZREMRANGEBYRANK", GroupSortedSet),
	single("ZREMRANGEBYLEX", GroupSortedSet),
	single("ZPOPMIN", GroupSortedSet),
	single("ZPOPMAX", GroupSortedSet),
	pair("ZRANGESTORE", GroupSortedSet),
	CommandSpec{Name: "ZUNIONSTORE", Group: GroupSortedSet, FirstKey: 1, LastKey: 1, Step: 1, NumKeysIndex: 2},
	CommandSpec{Name: "ZINTERSTORE", Group: GroupSortedSet, FirstKey: 1, LastKey: 1, Step: 1, NumKeysIndex: 2},
	CommandSpec{Name: "ZDIFFSTORE", Group: GroupSortedSet, FirstKey: 1, LastKey: 1, Step: 1, NumKeysIndex: 2},

	// hash
	single("HSET", GroupHash),
	single("HSETNX", GroupHash),
	single("HMSET", GroupHash),
	single("HDEL", GroupHash),
	single("HINCRBY", GroupHash),
	single("HINCRBYFLOAT", GroupHash),

	// stream
	single("XADD", GroupStream),
	single("XDEL", GroupStream),
	single("XTRIM", GroupStream),
	single("XSETID", GroupStream),
	single("XACK", GroupStream),
	single("XCLAIM", GroupStream),
	single("XAUTOCLAIM", GroupStream),
	CommandSpec{Name: "XGROUP", Group: GroupStream, FirstKey: 2, LastKey: 2, Step: 1},

	// hyperloglog / geo
	single("PFADD", GroupHyperLogLog),
	CommandSpec{Name: "PFMERGE", Group: GroupHyperLogLog, FirstKey: 1, LastKey: -1, Step: 1},
	single("GEOADD", GroupGeo),

	// generic
	CommandSpec{Name: "DEL", Group: GroupGeneric, FirstKey: 1, LastKey: -1, Step: 1, Split: SplitKeys},
	CommandSpec{Name: "UNLINK", Group: GroupGeneric, FirstKey: 1, LastKey: -1, Step: 1, Split: SplitKeys},
	CommandSpec{Name: "TOUCH", Group: GroupGeneric, FirstKey: 1, LastKey: -1, Step: 1, Split: SplitKeys},
	single("EXPIRE", GroupGeneric),
	single("PEXPIRE", GroupGeneric),
	single("EXPIREAT", GroupGeneric),
	single("PEXPIREAT", GroupGeneric),
	single("PERSIST", GroupGeneric),
	single("RESTORE", GroupGeneric),
	pair("RENAME", GroupGeneric),
	pair("RENAMENX", GroupGeneric),
	pair("COPY", GroupGeneric),

	// scripting
	CommandSpec{Name: "EVAL", Group: GroupScripting, NumKeysIndex: 2},
	CommandSpec{Name: "EVALSHA", Group: GroupScripting, NumKeysIndex: 2},
	CommandSpec{Name: "FCALL", Group: GroupScripting, NumKeysIndex: 2},
	keyless("SCRIPT", GroupScripting),
	keyless("FUNCTION", GroupScripting),

	// server
	keyless("SELECT", GroupServer),
	keyless("FLUSHALL", GroupServer),
	keyless("FLUSHDB", GroupServer),
	keyless("SWAPDB", GroupServer),
	keyless("PING", GroupServer),

	// pubsub
	keyless("PUBLISH", GroupPubSub),

	// transactions
	keyless("MULTI", GroupTransactions),
	keyless("EXEC", GroupTransactions),
	keyless("DISCARD", GroupTransactions),
)

func buildCommandTable(specs ...CommandSpec) map[string]CommandSpec {
	m := make(map[string]CommandSpec, len(specs))
	for _, s := range specs {
		m[s.Name] = s
	}
	return m
}
