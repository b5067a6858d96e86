package txstatus

// TXStatus is the transaction indicator byte of ReadyForQuery.
type TXStatus byte

const (
	TXIDLE = TXStatus('I')
	TXACT  = TXStatus('T')
	TXERR  = TXStatus('E')
	TXCONT = TXStatus(1)
)

type TxStatusMgr interface {
	SetTxStatus(status TXStatus)
	TxStatus() TXStatus
}

func (s TXStatus) String() string {
	switch s {
	case TXIDLE:
		return "IDLE"
	case TXERR:
		return "ERROR"
	case TXACT:
		return "ACTIVE"
	case TXCONT:
		return "INTERNAL STATE"
	}
	return "invalid"
}

// severity orders statuses for cross-shard ReadyForQuery synthesis: E > T > I.
func severity(s TXStatus) int {
	switch s {
	case TXERR:
		return 2
	case TXACT:
		return 1
	default:
		return 0
	}
}

// MostSevere picks the status a client must observe when several
// server connections finished one logical query.
func MostSevere(statuses []TXStatus) TXStatus {
	ret := TXIDLE
	for _, s := range statuses {
		if severity(s) > severity(ret) {
			ret = s
		}
	}
	return ret
}
