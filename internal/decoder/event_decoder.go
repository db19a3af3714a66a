package decoder

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strings"

	snaperrors "snapshotter/internal/errors"
	"snapshotter/pkg/models"

	"github.com/holiman/uint256"
)

// payloadArity 每个事件方法的参数个数
var payloadArity = map[string]int{
	models.MethodEndowed:           2,
	models.MethodTransfer:          3,
	models.MethodBalanceSet:        3,
	models.MethodDeposit:           2,
	models.MethodReserved:          2,
	models.MethodWithdraw:          2,
	models.MethodUnreserved:        2,
	models.MethodSlash:             2,
	models.MethodReservRepatriated: 4,
	models.MethodRewarded:          2,
	models.MethodContributed:       3,
	models.MethodBonded:            2,
	models.MethodUnbonded:          2,
}

// Arity 返回方法的参数个数，未知方法返回 false
func Arity(method string) (int, bool) {
	n, ok := payloadArity[method]
	return n, ok
}

// Decode 将按位置排列的事件参数解码为强类型参数
// 参数个数或类型不符时返回 *errors.MalformedEventError
func Decode(method string, data []interface{}) (models.EventPayload, error) {
	expected, ok := payloadArity[method]
	if !ok {
		return nil, fmt.Errorf("不支持的事件方法: %s", method)
	}
	if len(data) != expected {
		return nil, snaperrors.NewArityError(method, expected, len(data))
	}

	f := fields{method: method, expected: expected, data: data}

	switch method {
	case models.MethodTransfer:
		p := &models.TransferPayload{}
		f.account(0, &p.From)
		f.account(1, &p.To)
		f.amount(2, &p.Amount)
		return p, f.err

	case models.MethodBalanceSet:
		p := &models.BalanceSetPayload{}
		f.account(0, &p.Account)
		f.amount(1, &p.Free)
		f.amount(2, &p.Reserved)
		return p, f.err

	case models.MethodReservRepatriated:
		p := &models.ReservRepatriatedPayload{}
		f.account(0, &p.Sender)
		f.account(1, &p.Receiver)
		f.amount(2, &p.Amount)
		f.status(3, &p.Status)
		return p, f.err

	case models.MethodContributed:
		p := &models.ContributedPayload{}
		f.account(0, &p.Who)
		f.fundIndex(1, &p.FundIndex)
		f.amount(2, &p.Amount)
		return p, f.err

	case models.MethodRewarded, models.MethodBonded, models.MethodUnbonded:
		p := &models.StakePayload{Method: method}
		f.account(0, &p.Stash)
		f.amount(1, &p.Amount)
		return p, f.err

	default:
		p := &models.AmountPayload{Method: method}
		f.account(0, &p.Account)
		f.amount(1, &p.Amount)
		return p, f.err
	}
}

// fields 逐个解码参数，只保留第一个错误
type fields struct {
	method   string
	expected int
	data     []interface{}
	err      error
}

func (f *fields) fail(position int, format string, args ...interface{}) {
	if f.err == nil {
		f.err = snaperrors.NewFieldError(f.method, f.expected, position, fmt.Sprintf(format, args...))
	}
}

func (f *fields) account(position int, dst *string) {
	if f.err != nil {
		return
	}
	s, ok := f.data[position].(string)
	if !ok {
		f.fail(position, "账户应为字符串，实际为 %T", f.data[position])
		return
	}
	// 账户标识原样使用，快照ID由它直接拼接
	if s == "" {
		f.fail(position, "账户为空")
		return
	}
	*dst = s
}

func (f *fields) amount(position int, dst **uint256.Int) {
	if f.err != nil {
		return
	}
	v, err := ParseAmount(f.data[position])
	if err != nil {
		f.fail(position, "%v", err)
		return
	}
	*dst = v
}

func (f *fields) fundIndex(position int, dst *uint32) {
	if f.err != nil {
		return
	}
	v, err := ParseAmount(f.data[position])
	if err != nil {
		f.fail(position, "%v", err)
		return
	}
	if !v.IsUint64() || v.Uint64() > math.MaxUint32 {
		f.fail(position, "众筹编号 %s 超出 u32 范围", v.Dec())
		return
	}
	*dst = uint32(v.Uint64())
}

func (f *fields) status(position int, dst *models.BalanceStatus) {
	if f.err != nil {
		return
	}
	s, ok := f.data[position].(string)
	if !ok {
		f.fail(position, "余额状态应为字符串，实际为 %T", f.data[position])
		return
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "free":
		*dst = models.BalanceStatusFree
	case "reserved":
		*dst = models.BalanceStatusReserved
	default:
		f.fail(position, "未知的余额状态 %q", s)
	}
}

// ParseAmount 将宿主传入的金额转换为无符号 256 位整数
func ParseAmount(v interface{}) (*uint256.Int, error) {
	switch x := v.(type) {
	case nil:
		return nil, fmt.Errorf("金额为空")
	case *uint256.Int:
		if x == nil {
			return nil, fmt.Errorf("金额为空")
		}
		return x.Clone(), nil
	case *big.Int:
		return fromBig(x)
	case json.Number:
		return parseAmountString(string(x))
	case string:
		return parseAmountString(x)
	case float64:
		if x < 0 || x != math.Trunc(x) || math.IsInf(x, 0) || x >= math.Pow(2, 64) {
			return nil, fmt.Errorf("金额 %v 不是有效的无符号整数", x)
		}
		return uint256.NewInt(uint64(x)), nil
	case uint64:
		return uint256.NewInt(x), nil
	case uint32:
		return uint256.NewInt(uint64(x)), nil
	case uint:
		return uint256.NewInt(uint64(x)), nil
	case int:
		return fromInt64(int64(x))
	case int64:
		return fromInt64(x)
	case int32:
		return fromInt64(int64(x))
	default:
		return nil, fmt.Errorf("不支持的金额类型 %T", v)
	}
}

func fromInt64(x int64) (*uint256.Int, error) {
	if x < 0 {
		return nil, fmt.Errorf("金额 %d 为负数", x)
	}
	return uint256.NewInt(uint64(x)), nil
}

func fromBig(x *big.Int) (*uint256.Int, error) {
	if x == nil {
		return nil, fmt.Errorf("金额为空")
	}
	if x.Sign() < 0 {
		return nil, fmt.Errorf("金额 %s 为负数", x.String())
	}
	v, overflow := uint256.FromBig(x)
	if overflow {
		return nil, fmt.Errorf("金额 %s 超出 256 位", x.String())
	}
	return v, nil
}

// parseAmountString 支持十进制和 0x 十六进制（允许前导零）
func parseAmountString(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("金额为空字符串")
	}

	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		b, ok := new(big.Int).SetString(s[2:], 16)
		if !ok {
			return nil, fmt.Errorf("无效的十六进制金额 %q", s)
		}
		return fromBig(b)
	}

	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("无效的十进制金额 %q: %w", s, err)
	}
	return v, nil
}
