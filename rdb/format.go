package rdb

// Record opcodes.
const (
	opSlotInfo      = 244
	opFunction2     = 245
	opFunctionPreGA = 246
	opModuleAux     = 247
	opIdle          = 248
	opFreq          = 249
	opAux           = 250
	opResizeDB      = 251
	opExpireTimeMs  = 252
	opExpireTime    = 253
	opSelectDB      = 254
	opEOF           = 255
)

// Value types.
const (
	typeString           = 0
	typeList             = 1
	typeSet              = 2
	typeZSet             = 3
	typeHash             = 4
	typeZSet2            = 5
	typeModulePreGA      = 6
	typeModule2          = 7
	typeHashZipmap       = 9
	typeListZiplist      = 10
	typeSetIntset        = 11
	typeZSetZiplist      = 12
	typeHashZiplist      = 13
	typeListQuicklist    = 14
	typeStreamListpacks  = 15
	typeHashListpack     = 16
	typeZSetListpack     = 17
	typeListQuicklist2   = 18
	typeStreamListpacks2 = 19
	typeSetListpack      = 20
	typeStreamListpacks3 = 21
)

// Length encoding.
const (
	len6Bit    = 0
	len14Bit   = 1
	len32or64  = 2
	lenSpecial = 3

	len32Bit = 0x80
	len64Bit = 0x81

	encInt8  = 0
	encInt16 = 1
	encInt32 = 2
	encLZF   = 3
)

// Module value opcodes, only needed to skip module aux payloads.
const (
	moduleOpEOF    = 0
	moduleOpSInt   = 1
	moduleOpUInt   = 2
	moduleOpFloat  = 3
	moduleOpDouble = 4
	moduleOpString = 5
)

// Quicklist v2 node containers.
const (
	quicklistNodePlain  = 1
	quicklistNodePacked = 2
)

// Stream entry flags.
const (
	streamItemFlagDeleted    = 1
	streamItemFlagSameFields = 2
)

const (
	magic = "REDIS"
	// MaxKnownVersion is the newest snapshot version whose layout is handled.
	MaxKnownVersion = 12
	// checksumMinVersion is the first version that carries a trailing checksum.
	checksumMinVersion = 5
)

var typeNames = map[byte]string{
	typeString:           "string",
	typeList:             "list",
	typeSet:              "set",
	typeZSet:             "zset",
	typeHash:             "hash",
	typeZSet2:            "zset2",
	typeModulePreGA:      "module",
	typeModule2:          "module2",
	typeHashZipmap:       "hash_zipmap",
	typeListZiplist:      "list_ziplist",
	typeSetIntset:        "set_intset",
	typeZSetZiplist:      "zset_ziplist",
	typeHashZiplist:      "hash_ziplist",
	typeListQuicklist:    "list_quicklist",
	typeStreamListpacks:  "stream",
	typeHashListpack:     "hash_listpack",
	typeZSetListpack:     "zset_listpack",
	typeListQuicklist2:   "list_quicklist2",
	typeStreamListpacks2: "stream2",
	typeSetListpack:      "set_listpack",
	typeStreamListpacks3: "stream3",
}

// TypeName returns the name of a value type byte.
func TypeName(t byte) string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return "unknown"
}
