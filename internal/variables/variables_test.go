package variables

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookAuction/internal/model"
)

const orderABI = `{"anonymous":false,"inputs":[
  {"indexed":true,"name":"maker","type":"address"},
  {"indexed":true,"name":"tag","type":"string"},
  {"indexed":false,"name":"order","type":"tuple","components":[
    {"name":"token","type":"address"},
    {"name":"amount","type":"uint256"}]},
  {"indexed":false,"name":"fills","type":"uint64[]"}],
  "name":"OrderPlaced","type":"event"}`

var (
	wallet = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	maker  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	token  = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func orderEvent() model.DetectedEvent {
	return model.DetectedEvent{
		ID:              "ev-1",
		FilterHash:      common.HexToHash("0xf1"),
		Signature:       model.EventSignature{ContractAddress: token, Name: "OrderPlaced"},
		TransactionHash: common.HexToHash("0xabc"),
		BlockNumber:     42,
		LogIndex:        3,
		Timestamp:       1_700_000_000,
		Args: map[string]model.Value{
			"maker": model.Scalar(model.KindAddress, "address", maker.Hex()),
			"order": {Kind: model.KindTuple, Fields: map[string]model.Value{
				"token": model.Scalar(model.KindAddress, "address", token.Hex()),
				// wider than uint64
				"amount": model.Scalar(model.KindUint, "uint256", "123456789012345678901234567890"),
			}},
			"fills": {Kind: model.KindList, Items: []model.Value{
				model.Scalar(model.KindUint, "uint64", "5"),
				model.Scalar(model.KindUint, "uint64", "6"),
			}},
		},
	}
}

func TestResolveEventPaths(t *testing.T) {
	refs := []model.VariableReference{
		{Name: "maker", Path: "args.maker", Type: model.VariableEvent},
		{Name: "amount", Path: "order.amount", Type: model.VariableEvent},
		{Name: "second", Path: "args.fills.1", Type: model.VariableEvent},
		{Name: "tx", Path: "transactionHash", Type: model.VariableEvent},
		{Name: "block", Path: "blockNumber", Type: model.VariableEvent},
	}
	res := NewResolver(nil).Resolve(orderEvent(), refs, wallet)
	require.True(t, res.Complete(), "%+v", res.Misses)

	assert.Equal(t, maker.Hex(), res.Values["maker"].Text)
	assert.Equal(t, "123456789012345678901234567890", res.Values["amount"].Text)
	assert.Equal(t, "6", res.Values["second"].Text)
	assert.Equal(t, common.HexToHash("0xabc").Hex(), res.Values["tx"].Text)
	assert.Equal(t, "42", res.Values["block"].Text)
}

func TestResolveSystemAndUser(t *testing.T) {
	refs := []model.VariableReference{
		{Name: "n", Path: SystemBlockNumber, Type: model.VariableSystem},
		{Name: "ts", Path: SystemBlockTimestamp, Type: model.VariableSystem},
		{Name: "tx", Path: SystemTxHash, Type: model.VariableSystem},
		{Name: "idx", Path: SystemLogIndex, Type: model.VariableSystem},
		{Name: "contract", Path: SystemFilterContract, Type: model.VariableSystem},
		{Name: "me", Path: SystemUserWallet, Type: model.VariableSystem},
		{Name: "wallet", Path: UserWallet, Type: model.VariableUser},
	}
	res := NewResolver(nil).Resolve(orderEvent(), refs, wallet)
	require.True(t, res.Complete(), "%+v", res.Misses)
	assert.Equal(t, "42", res.Values["n"].Text)
	assert.Equal(t, "1700000000", res.Values["ts"].Text)
	assert.Equal(t, "3", res.Values["idx"].Text)
	assert.Equal(t, token.Hex(), res.Values["contract"].Text)
	assert.Equal(t, wallet.Hex(), res.Values["me"].Text)
	assert.Equal(t, model.KindAddress, res.Values["wallet"].Kind)
}

func TestMissesDoNotAbortSiblings(t *testing.T) {
	refs := []model.VariableReference{
		{Name: "gas", Path: "block.gasLimit", Type: model.VariableSystem},
		{Name: "n", Path: SystemBlockNumber, Type: model.VariableSystem},
		{Name: "nope", Path: "args.missing", Type: model.VariableEvent},
		{Name: "deep", Path: "maker.inner", Type: model.VariableEvent},
		{Name: "oob", Path: "fills.9", Type: model.VariableEvent},
		{Name: "email", Path: "email", Type: model.VariableUser},
		{Name: "odd", Path: "x", Type: "env"},
	}
	res := NewResolver(nil).Resolve(orderEvent(), refs, wallet)
	assert.False(t, res.Complete())
	assert.Equal(t, []string{"gas", "nope", "deep", "oob", "email", "odd"}, res.MissingNames())
	assert.Equal(t, "42", res.Values["n"].Text)
	assert.Len(t, res.Values, 1)
}

func TestUserWalletMissWithoutIdentity(t *testing.T) {
	res := NewResolver(nil).Resolve(orderEvent(), []model.VariableReference{
		{Name: "wallet", Path: UserWallet, Type: model.VariableUser},
	}, common.Address{})
	assert.Equal(t, []string{"wallet"}, res.MissingNames())
}

func validTemplate() model.TransactionTemplate {
	return model.TransactionTemplate{
		ID: "tpl",
		Calls: []model.TransactionCall{{
			Target:   "${token}",
			Function: "transfer(address,uint256)",
			Args:     []string{"${wallet}", "${amount}"},
			Role:     model.RoleTrigger,
		}},
		RequiredVariables: []model.VariableReference{
			{Name: "token", Path: "order.token", Type: model.VariableEvent},
			{Name: "amount", Path: "args.order.amount", Type: model.VariableEvent},
			{Name: "wallet", Path: UserWallet, Type: model.VariableUser},
			{Name: "first", Path: "fills.0", Type: model.VariableEvent},
			{Name: "block", Path: SystemBlockNumber, Type: model.VariableSystem},
		},
	}
}

func TestValidateTemplateAccepts(t *testing.T) {
	assert.NoError(t, ValidateTemplate(validTemplate(), orderABI))
}

func TestValidateTemplateCollectsErrors(t *testing.T) {
	tpl := validTemplate()
	tpl.RequiredVariables = append(tpl.RequiredVariables,
		model.VariableReference{Name: "x", Path: "args.price", Type: model.VariableEvent},
		model.VariableReference{Name: "y", Path: "order.fee", Type: model.VariableEvent},
		model.VariableReference{Name: "z", Path: "tag.inner", Type: model.VariableEvent},
		model.VariableReference{Name: "w", Path: "chain.id", Type: model.VariableSystem},
	)
	tpl.Calls = append(tpl.Calls, model.TransactionCall{Target: "${nobody}", CallData: "0x"})

	err := ValidateTemplate(tpl, orderABI)
	require.Error(t, err)
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Len(t, verrs, 5)

	fields := make([]string, 0, len(verrs))
	for _, v := range verrs {
		fields = append(fields, v.Field)
	}
	assert.Contains(t, fields, "required_variables[5].path")
	assert.Contains(t, fields, "required_variables[8].path")
	assert.Contains(t, fields, "calls[1]")
	assert.Contains(t, err.Error(), "no argument \"price\" (has maker, tag, order, fills)")
}

func TestValidateTemplateStructure(t *testing.T) {
	err := ValidateTemplate(model.TransactionTemplate{ID: "empty"}, orderABI)
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Equal(t, "TransactionTemplate.Calls", verrs[0].Field)

	err = ValidateTemplate(validTemplate(), `{"type":"function","name":"f","inputs":[]}`)
	require.True(t, errors.As(err, &verrs))
	assert.Equal(t, "event_abi", verrs[len(verrs)-1].Field)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, []string{"a", "b_2"}, Placeholders("0x${a}00${b_2}${}"))
	assert.Empty(t, Placeholders("plain"))
}
