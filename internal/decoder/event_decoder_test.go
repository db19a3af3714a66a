package decoder

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	snaperrors "snapshotter/internal/errors"
	"snapshotter/pkg/models"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_AllMethods(t *testing.T) {
	tests := []struct {
		method string
		data   []interface{}
		want   models.EventPayload
	}{
		{
			method: models.MethodEndowed,
			data:   []interface{}{"Alice", json.Number("1000")},
			want:   &models.AmountPayload{Method: models.MethodEndowed, Account: "Alice", Amount: uint256.NewInt(1000)},
		},
		{
			method: models.MethodTransfer,
			data:   []interface{}{"Alice", "Bob", 500},
			want:   &models.TransferPayload{From: "Alice", To: "Bob", Amount: uint256.NewInt(500)},
		},
		{
			method: models.MethodBalanceSet,
			data:   []interface{}{"Dan", "0x0a", uint64(3)},
			want:   &models.BalanceSetPayload{Account: "Dan", Free: uint256.NewInt(10), Reserved: uint256.NewInt(3)},
		},
		{
			method: models.MethodDeposit,
			data:   []interface{}{"Carol", float64(10)},
			want:   &models.AmountPayload{Method: models.MethodDeposit, Account: "Carol", Amount: uint256.NewInt(10)},
		},
		{
			method: models.MethodReserved,
			data:   []interface{}{"Carol", "7"},
			want:   &models.AmountPayload{Method: models.MethodReserved, Account: "Carol", Amount: uint256.NewInt(7)},
		},
		{
			method: models.MethodWithdraw,
			data:   []interface{}{"Carol", int64(5)},
			want:   &models.AmountPayload{Method: models.MethodWithdraw, Account: "Carol", Amount: uint256.NewInt(5)},
		},
		{
			method: models.MethodUnreserved,
			data:   []interface{}{"Carol", big.NewInt(2)},
			want:   &models.AmountPayload{Method: models.MethodUnreserved, Account: "Carol", Amount: uint256.NewInt(2)},
		},
		{
			method: models.MethodSlash,
			data:   []interface{}{"Eve", uint256.NewInt(99)},
			want:   &models.AmountPayload{Method: models.MethodSlash, Account: "Eve", Amount: uint256.NewInt(99)},
		},
		{
			method: models.MethodReservRepatriated,
			data:   []interface{}{"Alice", "Bob", 1, "reserved"},
			want: &models.ReservRepatriatedPayload{
				Sender: "Alice", Receiver: "Bob", Amount: uint256.NewInt(1), Status: models.BalanceStatusReserved,
			},
		},
		{
			method: models.MethodRewarded,
			data:   []interface{}{"Stash", 4},
			want:   &models.StakePayload{Method: models.MethodRewarded, Stash: "Stash", Amount: uint256.NewInt(4)},
		},
		{
			method: models.MethodContributed,
			data:   []interface{}{"Who", json.Number("2000"), "12"},
			want:   &models.ContributedPayload{Who: "Who", FundIndex: 2000, Amount: uint256.NewInt(12)},
		},
		{
			method: models.MethodBonded,
			data:   []interface{}{"Stash", 8},
			want:   &models.StakePayload{Method: models.MethodBonded, Stash: "Stash", Amount: uint256.NewInt(8)},
		},
		{
			method: models.MethodUnbonded,
			data:   []interface{}{"Stash", 9},
			want:   &models.StakePayload{Method: models.MethodUnbonded, Stash: "Stash", Amount: uint256.NewInt(9)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			got, err := Decode(tt.method, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.method, got.EventMethod())
		})
	}
	assert.Len(t, payloadArity, len(tests))
}

func TestDecode_ArityMismatch(t *testing.T) {
	_, err := Decode(models.MethodTransfer, []interface{}{"Alice", 500})
	require.Error(t, err)

	var malformed *snaperrors.MalformedEventError
	require.True(t, errors.As(err, &malformed))
	assert.Equal(t, models.MethodTransfer, malformed.Method)
	assert.Equal(t, 3, malformed.Expected)
	assert.Equal(t, 2, malformed.Got)
	assert.Equal(t, -1, malformed.Position)
}

func TestDecode_FieldErrors(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		data     []interface{}
		position int
	}{
		{"账户不是字符串", models.MethodDeposit, []interface{}{42, 1}, 0},
		{"账户为空", models.MethodDeposit, []interface{}{"", 1}, 0},
		{"负数金额", models.MethodWithdraw, []interface{}{"Carol", -5}, 1},
		{"小数金额", models.MethodWithdraw, []interface{}{"Carol", 1.5}, 1},
		{"非法字符串金额", models.MethodSlash, []interface{}{"Eve", "abc"}, 1},
		{"金额为空", models.MethodSlash, []interface{}{"Eve", nil}, 1},
		{"接收方不是字符串", models.MethodTransfer, []interface{}{"Alice", true, 1}, 1},
		{"未知余额状态", models.MethodReservRepatriated, []interface{}{"A", "B", 1, "Locked"}, 3},
		{"众筹编号溢出", models.MethodContributed, []interface{}{"Who", "4294967296", 1}, 1},
		{"第一个错误优先", models.MethodBalanceSet, []interface{}{"Dan", "x", "y"}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.method, tt.data)
			require.Error(t, err)

			var malformed *snaperrors.MalformedEventError
			require.True(t, errors.As(err, &malformed))
			assert.Equal(t, tt.method, malformed.Method)
			assert.Equal(t, tt.position, malformed.Position)
			assert.NotEmpty(t, malformed.Reason)
		})
	}
}

func TestDecode_AccountVerbatim(t *testing.T) {
	payload, err := Decode(models.MethodDeposit, []interface{}{" Alice", 1})
	require.NoError(t, err)

	deposit, ok := payload.(*models.AmountPayload)
	require.True(t, ok)
	assert.Equal(t, " Alice", deposit.Account)
}

func TestDecode_UnknownMethod(t *testing.T) {
	_, err := Decode("Burned", []interface{}{"Alice", 1})
	require.Error(t, err)

	var malformed *snaperrors.MalformedEventError
	assert.False(t, errors.As(err, &malformed))
}

func TestParseAmount(t *testing.T) {
	maxU256 := "115792089237316195423570985008687907853269984665640564039457584007913129639935"

	tests := []struct {
		name    string
		input   interface{}
		want    string
		wantErr bool
	}{
		{"json数字", json.Number("340282366920938463463374607431768211455"), "340282366920938463463374607431768211455", false},
		{"最大值", maxU256, maxU256, false},
		{"超出256位", maxU256 + "0", "", true},
		{"带前导零的十六进制", "0x00ff", "255", false},
		{"空十六进制", "0x", "", true},
		{"负的大整数", big.NewInt(-1), "", true},
		{"uint32", uint32(7), "7", false},
		{"不支持的类型", []byte{1}, "", true},
		{"空字符串", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Dec())
		})
	}
}

func TestParseAmount_ClonesUint256(t *testing.T) {
	src := uint256.NewInt(5)
	got, err := ParseAmount(src)
	require.NoError(t, err)

	src.SetUint64(6)
	assert.Equal(t, uint64(5), got.Uint64())
}
