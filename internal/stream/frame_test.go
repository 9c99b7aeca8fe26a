package stream

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnwrapReceiptFlavors(t *testing.T) {
	r := &Receipt{Status: 1}
	got, err := ReceiptEnvelope{Legacy: r}.Unwrap()
	require.NoError(t, err)
	assert.Same(t, r, got)

	got, err = ReceiptEnvelope{Eip1559: r}.Unwrap()
	require.NoError(t, err)
	assert.Same(t, r, got)

	_, err = ReceiptEnvelope{}.Unwrap()
	assert.Error(t, err)
	_, err = ReceiptEnvelope{Legacy: r, Eip1559: r}.Unwrap()
	assert.Error(t, err)
}

func TestFrameLogs(t *testing.T) {
	rawA := []byte{0x02, 0xaa}
	rawB := []byte{0x02, 0xbb}
	hashA := crypto.Keccak256Hash(rawA)
	hashB := crypto.Keccak256Hash(rawB)
	failed := common.HexToHash("0xdead")
	topic := common.HexToHash("0x01")

	payload := `{
	  "payload_id": "0x1",
	  "index": 1,
	  "diff": {"block_hash": "` + common.HexToHash("0xb10c").Hex() + `", "transactions": ["0x02aa", "0x02bb"]},
	  "metadata": {
	    "block_number": 42,
	    "receipts": {
	      "` + hashB.Hex() + `": {"Eip1559": {"status": "0x1", "cumulativeGasUsed": "0x5208", "logs": [
	        {"address": "0x0000000000000000000000000000000000000001", "topics": ["` + topic.Hex() + `"], "data": "0x"},
	        {"address": "0x0000000000000000000000000000000000000002", "topics": ["` + topic.Hex() + `"], "data": "0x01"}
	      ]}},
	      "` + hashA.Hex() + `": {"Legacy": {"status": "0x1", "cumulativeGasUsed": "0x5208", "logs": [
	        {"address": "0x0000000000000000000000000000000000000003", "topics": ["` + topic.Hex() + `"], "data": "0x"}
	      ]}},
	      "` + failed.Hex() + `": {"Legacy": {"status": "0x0", "cumulativeGasUsed": "0x5208", "logs": [
	        {"address": "0x0000000000000000000000000000000000000004", "topics": ["` + topic.Hex() + `"], "data": "0x"}
	      ]}}
	    }
	  }
	}`
	frame, err := ParseFrame([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), frame.BlockNumber())

	logs, errs := frame.Logs()
	assert.Empty(t, errs)
	require.Len(t, logs, 3)

	assert.Equal(t, hashA, logs[0].TxHash)
	assert.Equal(t, uint(0), logs[0].TxIndex)
	assert.Equal(t, uint(0), logs[0].Index)

	assert.Equal(t, hashB, logs[1].TxHash)
	assert.Equal(t, uint(1), logs[1].TxIndex)
	assert.Equal(t, uint(0), logs[1].Index)
	assert.Equal(t, uint(1), logs[2].Index)
	assert.Equal(t, []byte{0x01}, []byte(logs[2].Data))

	for _, l := range logs {
		assert.Equal(t, uint64(42), l.BlockNumber)
		assert.Equal(t, common.HexToHash("0xb10c"), l.BlockHash)
	}
}

func TestFrameBlockNumberFromBase(t *testing.T) {
	frame, err := ParseFrame([]byte(`{"index":0,"base":{"block_number":"0x10","timestamp":"0x65"},"diff":{},"metadata":{"receipts":{}}}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(16), frame.BlockNumber())
	assert.Equal(t, uint64(0x65), uint64(frame.Base.Timestamp))
}
