package model

// EventPosition orders logs within the chain.
type EventPosition struct {
	BlockNumber uint64 `json:"block_number"`
	TxIndex     uint   `json:"tx_index"`
	LogIndex    uint   `json:"log_index"`
}

// Compare returns -1, 0 or 1 when p sorts before, equal to or after other.
func (p EventPosition) Compare(other EventPosition) int {
	switch {
	case p.BlockNumber != other.BlockNumber:
		return cmpUint64(p.BlockNumber, other.BlockNumber)
	case p.TxIndex != other.TxIndex:
		return cmpUint64(uint64(p.TxIndex), uint64(other.TxIndex))
	default:
		return cmpUint64(uint64(p.LogIndex), uint64(other.LogIndex))
	}
}

// Less reports whether p sorts strictly before other.
func (p EventPosition) Less(other EventPosition) bool {
	return p.Compare(other) < 0
}

// IsZero reports whether no position was recorded.
func (p EventPosition) IsZero() bool {
	return p == EventPosition{}
}

func cmpUint64(a, b uint64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}
