package server

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/jackc/pgx/v5/pgproto3"
	"golang.org/x/sync/errgroup"

	"github.com/pgdog-io/pgdog/pkg/doglog"
	"github.com/pgdog-io/pgdog/pkg/shard"
	"github.com/pgdog-io/pgdog/pkg/txstatus"
	"github.com/pgdog-io/pgdog/router/route"
)

type ShardState int

const (
	DatarowState = ShardState(iota)
	ShardCCState
	ShardCopyState
	ShardRFQState
	ErrorState
)

type MultishardState int

const (
	InitialState = MultishardState(iota)
	RunningState
	BufferedState
	ServerErrorState
	CommandCompleteState
	CopyInState
)

var ErrMultiShardSyncBroken = fmt.Errorf("multishard state is out of sync")

// MultiShardServer gathers one logical response from several shard
// connections. Without an order or aggregate plan rows stream
// through as they arrive; otherwise per-shard results are buffered
// and reassembled before anything reaches the client.
type MultiShardServer struct {
	activeShards []shard.Shard
	states       []ShardState

	multistate MultishardState
	status     txstatus.TXStatus

	order    []route.OrderColumn
	aggs     []route.Aggregate
	avgPairs []route.AvgPair
	groupBy  bool

	hasLimit bool
	limit    int64
	offset   int64

	rowDesc *pgproto3.RowDescription
	outRows []*pgproto3.DataRow
	tags    *tagSum
}

func NewMultiShardServer(shards []shard.Shard, rt *route.Route) *MultiShardServer {
	m := &MultiShardServer{
		activeShards: shards,
		states:       make([]ShardState, len(shards)),
		multistate:   InitialState,
		tags:         &tagSum{},
	}
	if rt != nil {
		m.order = rt.Order
		m.aggs = rt.Aggregates
		m.avgPairs = rt.AvgPairs
		m.groupBy = rt.GroupBy
		m.hasLimit = rt.HasLimit
		m.limit = rt.Limit
		m.offset = rt.Offset
	}
	return m
}

func (m *MultiShardServer) Name() string {
	return "multishard"
}

func (m *MultiShardServer) Datashards() []shard.Shard {
	return m.activeShards
}

func (m *MultiShardServer) Send(msg pgproto3.FrontendMessage) error {
	for _, sh := range m.activeShards {
		doglog.Zero.Debug().
			Uint("shard", sh.ID()).
			Type("message-type", msg).
			Msg("sending message to shard")
		if err := sh.Send(msg); err != nil {
			return err
		}
	}
	return nil
}

// SendShard routes one message to a single gang member, used by
// the sharded COPY path.
func (m *MultiShardServer) SendShard(msg pgproto3.FrontendMessage, shardNumber int) error {
	for _, sh := range m.activeShards {
		if sh.ShardNumber() != shardNumber {
			continue
		}
		return sh.Send(msg)
	}
	return fmt.Errorf("attempt to send message to nonexistent shard %d", shardNumber)
}

func (m *MultiShardServer) Flush() error {
	for _, sh := range m.activeShards {
		if err := sh.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiShardServer) Sync() int64 {
	var syncCount int64
	for _, sh := range m.activeShards {
		syncCount += sh.Sync()
	}
	return syncCount
}

func (m *MultiShardServer) DataPending() bool {
	for _, sh := range m.activeShards {
		if sh.DataPending() {
			return true
		}
	}
	return false
}

// Cancel fires a cancel request at every gang member. Each request
// opens a fresh connection to the backend, so they run concurrently.
func (m *MultiShardServer) Cancel() error {
	var eg errgroup.Group
	for _, sh := range m.activeShards {
		eg.Go(sh.Cancel)
	}
	return eg.Wait()
}

func (m *MultiShardServer) MarkDirty() {
	for _, sh := range m.activeShards {
		sh.MarkDirty()
	}
}

func (m *MultiShardServer) SetTxStatus(tx txstatus.TXStatus) {
	m.status = tx
}

func (m *MultiShardServer) TxStatus() txstatus.TXStatus {
	if len(m.activeShards) == 0 {
		return txstatus.TXIDLE
	}
	statuses := make([]txstatus.TXStatus, 0, len(m.activeShards))
	for _, sh := range m.activeShards {
		statuses = append(statuses, sh.TxStatus())
	}
	return txstatus.MostSevere(statuses)
}

// rollback drains every unsynced shard to ReadyForQuery after an
// error, so connections go back to the pool at a protocol boundary.
func (m *MultiShardServer) rollback() {
	for i := range m.activeShards {
		doglog.Zero.Debug().
			Uint("shard", m.activeShards[i].ID()).
			Msg("rollback shard in multishard after error")
		if m.activeShards[i].Sync() == 0 {
			continue
		}
		m.states[i] = ShardRFQState

		go func(i int) {
			for {
				msg, err := m.activeShards[i].Receive()
				if err != nil {
					doglog.Zero.Error().Err(err).Msg("")
					return
				}

				switch msg.(type) {
				case *pgproto3.ReadyForQuery:
					return
				default:
					doglog.Zero.Info().
						Uint("shard", m.activeShards[i].ID()).
						Type("message-type", msg).
						Msg("multishard server: drained message from shard while rollback after error")
				}
			}
		}(i)
	}
}

func (m *MultiShardServer) Receive() (pgproto3.BackendMessage, error) {
	switch m.multistate {
	case ServerErrorState:
		m.multistate = InitialState
		return &pgproto3.ReadyForQuery{
			TxStatus: byte(txstatus.TXIDLE),
		}, nil

	case InitialState:
		var saveRd *pgproto3.RowDescription
		var saveRFQ *pgproto3.ReadyForQuery
		var saveCIn *pgproto3.CopyInResponse
		sawCC := false

		m.tags = &tagSum{}
		m.outRows = nil

		/* ensure all shard backends started the query */
		for i := range m.activeShards {
			/* query may be partially dispatched */
			if m.activeShards[i].Sync() == 0 {
				continue
			}
			for {
				msg, err := m.activeShards[i].Receive()
				if err != nil {
					doglog.Zero.Info().
						Uint("shard", m.activeShards[i].ID()).
						Err(err).
						Msg("multishard server: encountered error while reading from shard")
					m.states[i] = ErrorState
					m.rollback()
					return nil, err
				}

				doglog.Zero.Debug().
					Type("message-type", msg).
					Uint("shard", m.activeShards[i].ID()).
					Msg("multishard server init: received message from shard")

				switch retMsg := msg.(type) {
				case *pgproto3.ParseComplete:
					continue
				case *pgproto3.BindComplete:
					continue
				case *pgproto3.NoData:
					continue
				case *pgproto3.NoticeResponse:
					continue
				case *pgproto3.ParameterStatus:
					continue
				case *pgproto3.CopyOutResponse:
					return nil, ErrMultiShardSyncBroken
				case *pgproto3.CopyInResponse:
					if m.multistate != InitialState && m.multistate != CopyInState {
						return nil, ErrMultiShardSyncBroken
					}
					m.states[i] = ShardCopyState
					m.multistate = CopyInState
					saveCIn = retMsg
				case *pgproto3.CommandComplete:
					m.states[i] = ShardCCState
					m.tags.add(retMsg.CommandTag)
					sawCC = true
				case *pgproto3.RowDescription:
					m.states[i] = DatarowState
					rd := copyRowDescription(retMsg)
					if saveRd == nil {
						saveRd = rd
					} else if err := compatibleRowDescriptions(saveRd, rd); err != nil {
						m.states[i] = ErrorState
						m.rollback()
						return nil, fmt.Errorf("shard %d: %w",
							m.activeShards[i].ShardNumber(), err)
					}
				case *pgproto3.ReadyForQuery:
					if m.multistate != InitialState {
						return nil, ErrMultiShardSyncBroken
					}
					m.states[i] = ShardRFQState
					saveRFQ = retMsg
				case *pgproto3.ErrorResponse:
					if m.multistate != InitialState {
						return nil, ErrMultiShardSyncBroken
					}
					doglog.Zero.Error().
						Uint("server", doglog.GetPointer(m)).
						Str("message", retMsg.Message).
						Msg("multishard server received error")
					m.states[i] = ErrorState
					m.multistate = ServerErrorState
					m.rollback()
					return msg, nil
				default:
					m.states[i] = ErrorState
					m.rollback()
					return nil, ErrMultiShardSyncBroken
				}
				break
			}
		}

		if sawCC {
			m.multistate = CommandCompleteState
			return &pgproto3.CommandComplete{CommandTag: m.tags.tag()}, nil
		}
		if saveRFQ != nil {
			m.multistate = InitialState
			return saveRFQ, nil
		}
		if m.multistate == CopyInState {
			return saveCIn, nil
		}

		m.rowDesc = saveRd
		if len(m.aggs) > 0 || len(m.order) > 0 || m.hasLimit || m.offset > 0 {
			if err := m.bufferRows(); err != nil {
				m.rollback()
				return nil, err
			}
			m.multistate = BufferedState
			return m.clientRowDesc(), nil
		}

		m.multistate = RunningState
		return saveRd, nil

	case RunningState:
		/* passthrough: fetch datarow messages as they come */
		for i := range m.activeShards {
			if m.states[i] == ShardCCState {
				continue
			}
			if m.activeShards[i].Sync() == 0 {
				continue
			}

			msg, err := m.activeShards[i].Receive()
			if err != nil {
				doglog.Zero.Info().
					Uint("shard", m.activeShards[i].ID()).
					Err(err).
					Msg("multishard server: encountered error while reading from shard")
				m.states[i] = ErrorState
				m.rollback()
				return nil, err
			}

			switch q := msg.(type) {
			case *pgproto3.CommandComplete:
				m.states[i] = ShardCCState
				m.tags.add(q.CommandTag)
			case *pgproto3.ReadyForQuery:
				m.states[i] = ErrorState
				m.rollback()
				return nil, ErrMultiShardSyncBroken
			default:
				return msg, nil
			}
		}
		// every shard reached CommandComplete
		m.multistate = CommandCompleteState
		return &pgproto3.CommandComplete{CommandTag: m.tags.tag()}, nil

	case BufferedState:
		if len(m.outRows) > 0 {
			row := m.outRows[0]
			m.outRows = m.outRows[1:]
			return row, nil
		}
		m.multistate = CommandCompleteState
		return &pgproto3.CommandComplete{CommandTag: m.tags.tag()}, nil

	case CopyInState:
		/* CopyDone was sent to every member, collect their tags */
		m.multistate = InitialState
		for i := range m.activeShards {
			if m.activeShards[i].Sync() == 0 {
				continue
			}
			if err := m.drainToCC(i); err != nil {
				m.rollback()
				return nil, err
			}
		}
		m.multistate = CommandCompleteState
		return &pgproto3.CommandComplete{CommandTag: m.tags.tag()}, nil

	case CommandCompleteState:
		doglog.Zero.Debug().Msg("multishard server: enter rfq await mode")
		cntTXAct := 0
		cntUnSync := 0

		for i := range m.activeShards {
			if m.activeShards[i].Sync() == 0 {
				continue
			}

			cntUnSync++

			if m.states[i] != ShardCCState {
				return nil, ErrMultiShardSyncBroken
			}

			if err := func() error {
				for {
					msg, err := m.activeShards[i].Receive()
					if err != nil {
						return err
					}

					switch q := msg.(type) {
					case *pgproto3.ReadyForQuery:
						if q.TxStatus == byte(txstatus.TXACT) {
							cntTXAct++
						}
						m.states[i] = ShardRFQState
						return nil
					default:
						return ErrMultiShardSyncBroken
					}
				}
			}(); err != nil {
				doglog.Zero.Info().
					Uint("shard", m.activeShards[i].ID()).
					Err(err).
					Msg("multishard server: encountered error while reading from shard")
				m.states[i] = ErrorState
				m.rollback()
				return nil, err
			}
		}

		m.multistate = InitialState
		m.status = txstatus.TXIDLE
		switch cntTXAct {
		case 0:
			return &pgproto3.ReadyForQuery{
				TxStatus: byte(txstatus.TXIDLE),
			}, nil
		case cntUnSync:
			m.status = txstatus.TXACT
			return &pgproto3.ReadyForQuery{
				TxStatus: byte(txstatus.TXACT),
			}, nil
		default:
			m.rollback()
			return nil, fmt.Errorf("multishard server: unsync in tx status among shard connections")
		}
	}

	return nil, nil
}

// drainToCC reads one shard until CommandComplete, accumulating
// its tag. Data rows in between are unexpected and break sync.
func (m *MultiShardServer) drainToCC(i int) error {
	for {
		msg, err := m.activeShards[i].Receive()
		if err != nil {
			m.states[i] = ErrorState
			return err
		}
		switch q := msg.(type) {
		case *pgproto3.CommandComplete:
			m.states[i] = ShardCCState
			m.tags.add(q.CommandTag)
			return nil
		case *pgproto3.ErrorResponse:
			m.states[i] = ErrorState
			return fmt.Errorf("shard %d: %s", m.activeShards[i].ShardNumber(), q.Message)
		case *pgproto3.NoticeResponse, *pgproto3.ParameterStatus:
			continue
		default:
			m.states[i] = ErrorState
			return ErrMultiShardSyncBroken
		}
	}
}

// bufferRows collects every data row from every shard, then sorts
// or folds per the route plan. Shards emit rows in their own sorted
// order, so an order plan becomes an n-way merge.
func (m *MultiShardServer) bufferRows() error {
	perShard := make([][]*pgproto3.DataRow, len(m.activeShards))

	for i := range m.activeShards {
		if m.states[i] != DatarowState {
			continue
		}
		for {
			msg, err := m.activeShards[i].Receive()
			if err != nil {
				m.states[i] = ErrorState
				return err
			}

			done := false
			switch q := msg.(type) {
			case *pgproto3.DataRow:
				perShard[i] = append(perShard[i], copyDataRow(q))
			case *pgproto3.CommandComplete:
				m.states[i] = ShardCCState
				m.tags.add(q.CommandTag)
				done = true
			case *pgproto3.NoticeResponse, *pgproto3.ParameterStatus:
			case *pgproto3.ErrorResponse:
				m.states[i] = ErrorState
				return fmt.Errorf("shard %d: %s", m.activeShards[i].ShardNumber(), q.Message)
			default:
				m.states[i] = ErrorState
				return ErrMultiShardSyncBroken
			}
			if done {
				break
			}
		}
	}

	if len(m.aggs) > 0 {
		rows, _, err := foldAggregates(perShard, m.aggs, m.avgPairs, m.groupBy, m.rowDesc)
		if err != nil {
			return err
		}
		if len(m.order) > 0 {
			/* avg count columns are dropped from folded rows, order
			 * indexes resolve against what the client will see */
			keys, err := resolveOrder(m.order, m.clientRowDesc())
			if err != nil {
				return err
			}
			sort.SliceStable(rows, func(i, j int) bool {
				return compareRows(rows[i], rows[j], keys) < 0
			})
		}
		m.outRows = m.sliceWindow(rows)
		m.resetTag()
		return nil
	}

	keys, err := resolveOrder(m.order, m.rowDesc)
	if err != nil {
		return err
	}
	m.outRows = m.sliceWindow(mergeSorted(perShard, keys))
	if m.hasLimit || m.offset > 0 {
		m.resetTag()
	}
	return nil
}

// sliceWindow applies the plan OFFSET and LIMIT to the merged
// stream. The shards were stripped of their own clauses, each
// returns its full limit+offset prefix.
func (m *MultiShardServer) sliceWindow(rows []*pgproto3.DataRow) []*pgproto3.DataRow {
	if m.offset > 0 {
		if m.offset >= int64(len(rows)) {
			rows = nil
		} else {
			rows = rows[m.offset:]
		}
	}
	if m.hasLimit && int64(len(rows)) > m.limit {
		rows = rows[:m.limit]
	}
	return rows
}

// resetTag replaces the summed per-shard tags with the row count
// the client actually receives.
func (m *MultiShardServer) resetTag() {
	m.tags = &tagSum{}
	m.tags.add([]byte("SELECT " + strconv.Itoa(len(m.outRows))))
}

// clientRowDesc is the row description the client sees. When AVG
// was rewritten into sum and count pairs the count columns are
// internal and get dropped.
func (m *MultiShardServer) clientRowDesc() *pgproto3.RowDescription {
	if len(m.avgPairs) == 0 || m.rowDesc == nil {
		return m.rowDesc
	}

	drop := map[int]struct{}{}
	for _, p := range m.avgPairs {
		drop[p.CountIndex] = struct{}{}
	}

	out := &pgproto3.RowDescription{}
	for i := range m.rowDesc.Fields {
		if _, ok := drop[i]; ok {
			continue
		}
		out.Fields = append(out.Fields, m.rowDesc.Fields[i])
	}
	return out
}

// copyRowDescription detaches a row description from the codec's
// read buffer, it is retained across further Receive calls.
func copyRowDescription(rd *pgproto3.RowDescription) *pgproto3.RowDescription {
	out := &pgproto3.RowDescription{Fields: make([]pgproto3.FieldDescription, len(rd.Fields))}
	for i, f := range rd.Fields {
		out.Fields[i] = f
		out.Fields[i].Name = append([]byte(nil), f.Name...)
	}
	return out
}

// compatibleRowDescriptions checks that two shards describe the
// same result shape. Mismatched schemas cannot be merged into one
// stream.
func compatibleRowDescriptions(a, b *pgproto3.RowDescription) error {
	if len(a.Fields) != len(b.Fields) {
		return fmt.Errorf("incompatible result: %d columns vs %d", len(a.Fields), len(b.Fields))
	}
	for i := range a.Fields {
		if a.Fields[i].DataTypeOID != b.Fields[i].DataTypeOID {
			return fmt.Errorf("incompatible result: column %q type oid %d vs %d",
				string(a.Fields[i].Name), a.Fields[i].DataTypeOID, b.Fields[i].DataTypeOID)
		}
		if a.Fields[i].Format != b.Fields[i].Format {
			return fmt.Errorf("incompatible result: column %q format %d vs %d",
				string(a.Fields[i].Name), a.Fields[i].Format, b.Fields[i].Format)
		}
	}
	return nil
}

// copyDataRow detaches a row from the codec's read buffer, which
// the next Receive would otherwise overwrite.
func copyDataRow(q *pgproto3.DataRow) *pgproto3.DataRow {
	out := &pgproto3.DataRow{Values: make([][]byte, len(q.Values))}
	for i, v := range q.Values {
		if v == nil {
			continue
		}
		out.Values[i] = append([]byte(nil), v...)
	}
	return out
}

var _ Server = &MultiShardServer{}
