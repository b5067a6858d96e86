package qrouter

import (
	"encoding/binary"
	"strconv"

	"github.com/google/uuid"

	"github.com/pgdog-io/pgdog/pkg/prepstatement"
)

// decodeParam turns the n-th (one-based) bind parameter into key
// text. Text-format values pass through, binary values are decoded
// for the widths the sharding hashes accept.
func decodeParam(n int, params [][]byte, formatCodes []int16) (string, bool) {
	if n < 1 || n > len(params) {
		return "", false
	}
	raw := params[n-1]
	if raw == nil {
		return "", false
	}

	codes := prepstatement.GetParams(formatCodes, params)
	if codes[n-1] == prepstatement.FormatCodeText {
		return string(raw), true
	}

	switch len(raw) {
	case 2:
		return strconv.FormatInt(int64(int16(binary.BigEndian.Uint16(raw))), 10), true
	case 4:
		return strconv.FormatInt(int64(int32(binary.BigEndian.Uint32(raw))), 10), true
	case 8:
		return strconv.FormatInt(int64(binary.BigEndian.Uint64(raw)), 10), true
	case 16:
		u, err := uuid.FromBytes(raw)
		if err != nil {
			return "", false
		}
		return u.String(), true
	}
	return "", false
}
