package prepstatement

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/spaolacci/murmur3"
)

const FormatCodeText = int16(0)
const FormatCodeBinary = int16(1)

// PreparedStatementDefinition is the client-side view of a prepared
// statement: the name the client chose and the query text it parsed.
type PreparedStatementDefinition struct {
	Name          string
	Query         string
	ParameterOIDs []uint32
}

// PreparedStatementDescriptor caches the server reply to a Describe so
// repeated Describes are answered without a round trip.
type PreparedStatementDescriptor struct {
	NoData    bool
	ParamDesc *pgproto3.ParameterDescription
	RowDesc   *pgproto3.RowDescription
}

type PreparedStatementHolder interface {
	HasPrepareStatement(hash uint64, shardId uint) (bool, *PreparedStatementDescriptor)
	StorePrepareStatement(hash uint64, shardId uint, d *PreparedStatementDefinition, rd *PreparedStatementDescriptor) error
}

type PreparedStatementMapper interface {
	PreparedStatementQueryByName(name string) string
	PreparedStatementDefinitionByName(name string) *PreparedStatementDefinition
	PreparedStatementQueryHashByName(name string) uint64
	StorePreparedStatement(d *PreparedStatementDefinition)
}

// Hash identifies a prepared statement by its query text, so two
// clients preparing the same query under different names share one
// server-side statement.
func Hash(query string) uint64 {
	return murmur3.Sum64([]byte(query))
}

// ServerName is the name under which a statement is prepared on the
// server connection. Names are derived from the query hash to be
// stable across client sessions.
func ServerName(hash uint64) string {
	return fmt.Sprintf("__pgdog_%d", hash)
}

// GetParams expands the Bind format-code list to one entry per
// parameter, per the v3 protocol defaulting rules.
func GetParams(paramsFormatCodes []int16, bindParams [][]byte) []int16 {
	var queryParamsFormatCodes []int16
	paramsLen := len(bindParams)

	if len(paramsFormatCodes) > 1 {
		queryParamsFormatCodes = paramsFormatCodes
	} else if len(paramsFormatCodes) == 1 {
		/* single format specified, use for all columns */
		queryParamsFormatCodes = make([]int16, paramsLen)
		for i := range paramsLen {
			queryParamsFormatCodes[i] = paramsFormatCodes[0]
		}
	} else {
		/* use default format for all columns */
		queryParamsFormatCodes = make([]int16, paramsLen)
		for i := range paramsLen {
			queryParamsFormatCodes[i] = FormatCodeText
		}
	}
	return queryParamsFormatCodes
}
