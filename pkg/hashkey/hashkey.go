// Package hashkey places sharding keys on shards the same way PostgreSQL
// places rows into hash partitions, so keys that satisfies_hash_partition
// maps to partition i land on shard i.
package hashkey

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/pgdog-io/pgdog/pkg/config"
)

// Seed used by PostgreSQL for hash partition placement.
const partitionSeed = uint64(0x7A5B22367996DCFD)

func rot(x uint32, k uint) uint32 {
	return x<<k | x>>(32-k)
}

func mix(a, b, c uint32) (uint32, uint32, uint32) {
	a -= c
	a ^= rot(c, 4)
	c += b
	b -= a
	b ^= rot(a, 6)
	a += c
	c -= b
	c ^= rot(b, 8)
	b += a
	a -= c
	a ^= rot(c, 16)
	c += b
	b -= a
	b ^= rot(a, 19)
	a += c
	c -= b
	c ^= rot(b, 4)
	b += a
	return a, b, c
}

func final(a, b, c uint32) (uint32, uint32, uint32) {
	c ^= b
	c -= rot(b, 14)
	a ^= c
	a -= rot(c, 11)
	b ^= a
	b -= rot(a, 25)
	c ^= a
	c -= rot(a, 16)
	a ^= b
	a -= rot(b, 4)
	b ^= c
	b -= rot(c, 14)
	c ^= b
	c -= rot(b, 24)
	return a, b, c
}

// hashUint32Extended is PostgreSQL's hash_uint32_extended.
func hashUint32Extended(k uint32, seed uint64) uint64 {
	a := uint32(0x9e3779b9) + 4 + 3923095
	b, c := a, a

	if seed != 0 {
		a += uint32(seed >> 32)
		b += uint32(seed)
		a, b, c = mix(a, b, c)
	}

	a += k

	_, b, c = final(a, b, c)
	return uint64(b)<<32 | uint64(c)
}

// HashInt8Extended is PostgreSQL's hashint8extended: fold the high half
// into the low half so that boring int64 values hash like int32.
func HashInt8Extended(val int64, seed uint64) uint64 {
	lohalf := uint32(val)
	hihalf := uint32(uint64(val) >> 32)
	if val >= 0 {
		lohalf ^= hihalf
	} else {
		lohalf ^= ^hihalf
	}
	return hashUint32Extended(lohalf, seed)
}

// HashBytesExtended is PostgreSQL's hash_bytes_extended (Jenkins
// lookup3), little-endian byte order, as computed by stock server builds.
func HashBytesExtended(k []byte, seed uint64) uint64 {
	a := uint32(0x9e3779b9) + uint32(len(k)) + 3923095
	b, c := a, a

	if seed != 0 {
		a += uint32(seed >> 32)
		b += uint32(seed)
		a, b, c = mix(a, b, c)
	}

	for len(k) >= 12 {
		a += binary.LittleEndian.Uint32(k)
		b += binary.LittleEndian.Uint32(k[4:])
		c += binary.LittleEndian.Uint32(k[8:])
		a, b, c = mix(a, b, c)
		k = k[12:]
	}

	/* the lowest byte of c is reserved for the length, mixed in above */
	switch len(k) {
	case 11:
		c += uint32(k[10]) << 24
		fallthrough
	case 10:
		c += uint32(k[9]) << 16
		fallthrough
	case 9:
		c += uint32(k[8]) << 8
		fallthrough
	case 8:
		b += binary.LittleEndian.Uint32(k[4:])
		a += binary.LittleEndian.Uint32(k)
	case 7:
		b += uint32(k[6]) << 16
		fallthrough
	case 6:
		b += uint32(k[5]) << 8
		fallthrough
	case 5:
		b += uint32(k[4])
		fallthrough
	case 4:
		a += binary.LittleEndian.Uint32(k)
	case 3:
		a += uint32(k[2]) << 16
		fallthrough
	case 2:
		a += uint32(k[1]) << 8
		fallthrough
	case 1:
		a += uint32(k[0])
	case 0:
		/* nothing left to add */
	}

	_, b, c = final(a, b, c)
	return uint64(b)<<32 | uint64(c)
}

// hashCombine64 is PostgreSQL's hash_combine64, used by
// compute_partition_hash_value to fold column hashes together.
func hashCombine64(a, b uint64) uint64 {
	a ^= b + 0x49a0f4dd15e5a8e3 + (a << 54) + (a >> 7)
	return a
}

// Bigint hashes a BIGINT key the way hash partitioning does.
func Bigint(id int64) uint64 {
	return hashCombine64(0, HashInt8Extended(id, partitionSeed))
}

// Uuid hashes a UUID key.
func Uuid(u uuid.UUID) uint64 {
	return hashCombine64(0, HashBytesExtended(u[:], partitionSeed))
}

// Bytes hashes an arbitrary byte key.
func Bytes(b []byte) uint64 {
	return hashCombine64(0, HashBytesExtended(b, partitionSeed))
}

// ShardBigint maps a BIGINT key to a shard.
func ShardBigint(id int64, shards int) int {
	return int(Bigint(id) % uint64(shards))
}

// ShardValue maps a textual key to a shard according to the declared
// column type. Unparseable values map to -1 (caller scatters).
func ShardValue(value string, dataType config.DataType, shards int, centroids [][]float64) int {
	switch dataType {
	case config.DataTypeBigint:
		v, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return -1
		}
		return ShardBigint(v, shards)
	case config.DataTypeUuid:
		u, err := uuid.Parse(value)
		if err != nil {
			return -1
		}
		return int(Uuid(u) % uint64(shards))
	case config.DataTypeVector:
		v, err := ParseVector(value)
		if err != nil {
			return -1
		}
		return Centroids(centroids).Shard(v, shards, DistanceL2)
	default:
		return -1
	}
}

// ShardString guesses the data type of an untyped literal, the way the
// routing hint path does: vector if bracketed, bigint if numeric, uuid
// otherwise.
func ShardString(value string, shards int, centroids [][]float64) int {
	switch {
	case strings.HasPrefix(value, "[") && strings.HasSuffix(value, "]"):
		return ShardValue(value, config.DataTypeVector, shards, centroids)
	default:
		if _, err := strconv.ParseInt(value, 10, 64); err == nil {
			return ShardValue(value, config.DataTypeBigint, shards, centroids)
		}
		return ShardValue(value, config.DataTypeUuid, shards, centroids)
	}
}
