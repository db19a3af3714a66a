package extractor

import (
	"sort"

	"snapshotter/pkg/models"
)

// extractors 余额模块中可识别的方法及其提取函数
var extractors = map[string]Extractor{
	models.MethodEndowed:           extractAmountAccount,
	models.MethodTransfer:          extractTransfer,
	models.MethodBalanceSet:        extractBalanceSet,
	models.MethodDeposit:           extractAmountAccount,
	models.MethodReserved:          extractAmountAccount,
	models.MethodWithdraw:          extractAmountAccount,
	models.MethodUnreserved:        extractAmountAccount,
	models.MethodSlash:             extractSlash,
	models.MethodReservRepatriated: extractReservRepatriated,
	models.MethodRewarded:          extractStake,
	models.MethodContributed:       extractContributed,
	models.MethodBonded:            extractStake,
	models.MethodUnbonded:          extractStake,
}

// Classify 根据事件模块和方法返回对应的提取函数
// 非余额模块或未识别的方法返回 false，调用方直接跳过该事件
func Classify(category, method string) (Extractor, bool) {
	if category != models.BalanceCategory {
		return nil, false
	}
	extract, ok := extractors[method]
	return extract, ok
}

// IsBalanceEvent 判断事件是否属于余额模块（用于诊断日志）
func IsBalanceEvent(event *models.Event) bool {
	return event.IsBalanceEvent()
}

// Methods 返回所有可识别的方法名，按字母排序
func Methods() []string {
	methods := make([]string, 0, len(extractors))
	for method := range extractors {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	return methods
}
