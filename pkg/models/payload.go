package models

import (
	"github.com/holiman/uint256"
)

// 余额模块中可识别的事件方法
const (
	MethodEndowed           = "Endowed"
	MethodTransfer          = "Transfer"
	MethodBalanceSet        = "BalanceSet"
	MethodDeposit           = "Deposit"
	MethodReserved          = "Reserved"
	MethodWithdraw          = "Withdraw"
	MethodUnreserved        = "Unreserved"
	MethodSlash             = "Slash"
	MethodReservRepatriated = "ReservRepatriated"
	MethodRewarded          = "Rewarded"
	MethodContributed       = "Contributed"
	MethodBonded            = "Bonded"
	MethodUnbonded          = "Unbonded"
)

// BalanceStatus ReservRepatriated 事件中资金进入接收方的哪一部分余额
type BalanceStatus string

const (
	BalanceStatusFree     BalanceStatus = "Free"
	BalanceStatusReserved BalanceStatus = "Reserved"
)

// EventPayload 已校验的强类型事件参数
type EventPayload interface {
	EventMethod() string
}

// AmountPayload 形如 (account, amount) 的事件参数
// Endowed/Deposit/Reserved/Withdraw/Unreserved/Slash 共用
type AmountPayload struct {
	Method  string
	Account string
	Amount  *uint256.Int
}

func (p *AmountPayload) EventMethod() string { return p.Method }

// TransferPayload Transfer(from, to, amount)
type TransferPayload struct {
	From   string
	To     string
	Amount *uint256.Int
}

func (p *TransferPayload) EventMethod() string { return MethodTransfer }

// BalanceSetPayload BalanceSet(account, free, reserved)
type BalanceSetPayload struct {
	Account  string
	Free     *uint256.Int
	Reserved *uint256.Int
}

func (p *BalanceSetPayload) EventMethod() string { return MethodBalanceSet }

// ReservRepatriatedPayload ReservRepatriated(sender, receiver, amount, status)
type ReservRepatriatedPayload struct {
	Sender   string
	Receiver string
	Amount   *uint256.Int
	Status   BalanceStatus
}

func (p *ReservRepatriatedPayload) EventMethod() string { return MethodReservRepatriated }

// StakePayload 形如 (stash, amount) 的质押事件参数
// Rewarded/Bonded/Unbonded 共用
type StakePayload struct {
	Method string
	Stash  string
	Amount *uint256.Int
}

func (p *StakePayload) EventMethod() string { return p.Method }

// ContributedPayload Contributed(who, fundIndex, amount)
type ContributedPayload struct {
	Who       string
	FundIndex uint32
	Amount    *uint256.Int
}

func (p *ContributedPayload) EventMethod() string { return MethodContributed }
