package server

import (
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"

	"github.com/pgdog-io/pgdog/router/route"
)

func typedRd(oids ...uint32) *pgproto3.RowDescription {
	out := &pgproto3.RowDescription{}
	for _, oid := range oids {
		out.Fields = append(out.Fields, pgproto3.FieldDescription{
			Name:         []byte("c"),
			DataTypeOID:  oid,
			DataTypeSize: -1,
			TypeModifier: -1,
		})
	}
	return out
}

func TestCompareValuesNumeric(t *testing.T) {
	assert := assert.New(t)

	// "9" sorts after "10" bytewise, numerically it comes first
	assert.Negative(compareValues([]byte("9"), []byte("10"), oidNumeric, false))
	assert.Negative(compareValues([]byte("9"), []byte("10"), oidInt8, false))
	assert.Negative(compareValues([]byte("-2"), []byte("1"), oidInt4, false))
	assert.Positive(compareValues([]byte("2.5"), []byte("2.25"), oidFloat8, false))
	assert.Zero(compareValues([]byte("1.0"), []byte("1"), oidNumeric, false))
}

func TestCompareValuesText(t *testing.T) {
	assert := assert.New(t)

	assert.Negative(compareValues([]byte("abc"), []byte("abd"), 25, false))
	// timestamps in ISO text order are chronological
	assert.Negative(compareValues([]byte("2024-01-02 10:00:00"), []byte("2024-01-02 10:00:01"), 1114, false))
	// 'f' < 't'
	assert.Negative(compareValues([]byte("f"), []byte("t"), oidBool, false))
	// binary format compares bytewise regardless of oid
	assert.Positive(compareValues([]byte{0x02}, []byte{0x01}, oidInt8, true))
}

func TestCompareRowsNullPlacement(t *testing.T) {
	assert := assert.New(t)

	null := &pgproto3.DataRow{Values: [][]byte{nil}}
	one := &pgproto3.DataRow{Values: [][]byte{[]byte("1")}}

	asc := []sortKey{{col: route.OrderColumn{Index: 0}, oid: oidInt4}}
	assert.Positive(compareRows(null, one, asc)) // NULLS LAST ascending

	desc := []sortKey{{col: route.OrderColumn{Index: 0, Desc: true}, oid: oidInt4}}
	assert.Negative(compareRows(null, one, desc)) // NULLS FIRST descending

	ascFirst := []sortKey{{col: route.OrderColumn{Index: 0, Nulls: route.NullsFirst}, oid: oidInt4}}
	assert.Negative(compareRows(null, one, ascFirst))

	descLast := []sortKey{{col: route.OrderColumn{Index: 0, Desc: true, Nulls: route.NullsLast}, oid: oidInt4}}
	assert.Positive(compareRows(null, one, descLast))
}

func TestResolveOrderTypes(t *testing.T) {
	assert := assert.New(t)

	rd := typedRd(oidNumeric, 25)
	rd.Fields[0].Name = []byte("price")
	rd.Fields[1].Name = []byte("name")

	keys, err := resolveOrder([]route.OrderColumn{{Name: "price", Index: -1}}, rd)
	assert.NoError(err)
	assert.Equal(0, keys[0].col.Index)
	assert.Equal(uint32(oidNumeric), keys[0].oid)

	_, err = resolveOrder([]route.OrderColumn{{Name: "missing", Index: -1}}, rd)
	assert.Error(err)
}

func TestMergeSortedNumeric(t *testing.T) {
	assert := assert.New(t)

	mk := func(vals ...string) []*pgproto3.DataRow {
		out := make([]*pgproto3.DataRow, 0, len(vals))
		for _, v := range vals {
			out = append(out, &pgproto3.DataRow{Values: [][]byte{[]byte(v)}})
		}
		return out
	}

	keys := []sortKey{{col: route.OrderColumn{Index: 0}, oid: oidInt8}}
	merged := mergeSorted([][]*pgproto3.DataRow{mk("2", "10"), mk("9", "11")}, keys)

	var got []string
	for _, r := range merged {
		got = append(got, string(r.Values[0]))
	}
	assert.Equal([]string{"2", "9", "10", "11"}, got)
}
