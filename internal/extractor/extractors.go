package extractor

import (
	"snapshotter/pkg/models"
)

// Extractor 从已解码的事件参数中取出受影响的账户，按参数顺序返回
// 纯函数：不查询链上状态，也不访问存储
type Extractor func(payload models.EventPayload) []string

// extractAmountAccount Endowed/Deposit/Reserved/Withdraw/Unreserved 共用
func extractAmountAccount(payload models.EventPayload) []string {
	p, ok := payload.(*models.AmountPayload)
	if !ok {
		return nil
	}
	return []string{p.Account}
}

// extractSlash 罚没无法从事件判断扣的是可用余额还是保留余额，
// 因此只记录账户，由快照重新查询当前状态
func extractSlash(payload models.EventPayload) []string {
	return extractAmountAccount(payload)
}

func extractTransfer(payload models.EventPayload) []string {
	p, ok := payload.(*models.TransferPayload)
	if !ok {
		return nil
	}
	return []string{p.From, p.To}
}

func extractBalanceSet(payload models.EventPayload) []string {
	p, ok := payload.(*models.BalanceSetPayload)
	if !ok {
		return nil
	}
	return []string{p.Account}
}

func extractReservRepatriated(payload models.EventPayload) []string {
	p, ok := payload.(*models.ReservRepatriatedPayload)
	if !ok {
		return nil
	}
	return []string{p.Sender, p.Receiver}
}

// extractStake Rewarded/Bonded/Unbonded 共用
func extractStake(payload models.EventPayload) []string {
	p, ok := payload.(*models.StakePayload)
	if !ok {
		return nil
	}
	return []string{p.Stash}
}

func extractContributed(payload models.EventPayload) []string {
	p, ok := payload.(*models.ContributedPayload)
	if !ok {
		return nil
	}
	return []string{p.Who}
}
