package validation

import (
	"context"
	"fmt"
	"strings"

	"snapshotter/internal/chainstate"
	"snapshotter/internal/errors"
	"snapshotter/pkg/models"

	"github.com/sirupsen/logrus"
)

// Validator 数据验证器
type Validator struct {
	logger       *logrus.Logger
	strictMode   bool // 严格模式
	errorHandler *errors.ErrorHandler
	rules        map[string]ValidationRule
}

// ValidationRule 验证规则接口
type ValidationRule interface {
	Validate(data interface{}) error
	Name() string
	Description() string
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid    bool                    `json:"valid"`
	Errors   []*errors.SnapshotError `json:"errors,omitempty"`
	Warnings []string                `json:"warnings,omitempty"`
	DataType string                  `json:"data_type"`
}

// NewValidator 创建数据验证器
func NewValidator(logger *logrus.Logger, strictMode bool) *Validator {
	v := &Validator{
		logger:       logger,
		strictMode:   strictMode,
		errorHandler: errors.NewErrorHandler(logger),
		rules:        make(map[string]ValidationRule),
	}

	v.registerDefaultRules()

	return v
}

// registerDefaultRules 注册默认验证规则
func (v *Validator) registerDefaultRules() {
	v.AddRule(NewBlockValidationRule())
	v.AddRule(NewSnapshotValidationRule())
	v.AddRule(NewAddressValidationRule(chainstate.AnyPrefix))
}

// AddRule 添加验证规则，同名规则会被替换
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules[rule.Name()] = rule
	v.logger.Debugf("已注册验证规则: %s", rule.Name())
}

func newResult(dataType string) *ValidationResult {
	return &ValidationResult{
		Valid:    true,
		DataType: dataType,
		Errors:   make([]*errors.SnapshotError, 0),
		Warnings: make([]string, 0),
	}
}

// addError 记录错误，非 SnapshotError 会被包装为验证错误
func (r *ValidationResult) addError(err error, code, message string) *errors.SnapshotError {
	r.Valid = false

	snapshotErr, ok := err.(*errors.SnapshotError)
	if !ok {
		snapshotErr = errors.WrapError(err, errors.ErrorTypeValidation, errors.SeverityMedium, code, message)
	}
	r.Errors = append(r.Errors, snapshotErr)
	return snapshotErr
}

// ValidateBlock 验证区块数据
// 只检查结构是否完整，事件参数的合法性由解码器判断
func (v *Validator) ValidateBlock(block *models.Block) *ValidationResult {
	result := newResult("block")

	if block == nil {
		result.Valid = false
		result.Errors = append(result.Errors, newValidationError(errors.SeverityHigh,
			"NIL_BLOCK", "区块为空"))
		return result
	}

	if block.Timestamp.IsZero() {
		result.addError(newValidationError(errors.SeverityHigh, "MISSING_TIMESTAMP", "区块缺少时间戳"), "", "").
			WithBlockNumber(block.Number)
	}

	for i, event := range block.Events {
		if event == nil {
			v.reportEventProblem(result, block.Number, i, "事件为空")
			continue
		}
		if strings.TrimSpace(event.Section) == "" || strings.TrimSpace(event.Method) == "" {
			v.reportEventProblem(result, block.Number, i, "事件缺少模块名或方法名")
		}
	}

	if rule, exists := v.rules["block"]; exists {
		if err := rule.Validate(block); err != nil {
			result.addError(err, "BLOCK_RULE_VALIDATION_FAILED", "区块规则验证失败").
				WithBlockNumber(block.Number)
		}
	}

	if !result.Valid {
		v.logger.WithFields(logrus.Fields{
			"block_number": block.Number,
			"errors":       len(result.Errors),
		}).Warn("区块验证失败")
	}

	return result
}

// reportEventProblem 严格模式下事件结构问题视为错误，否则只记录警告
func (v *Validator) reportEventProblem(result *ValidationResult, blockNumber uint64, index int, reason string) {
	if v.strictMode {
		result.addError(newValidationError(errors.SeverityMedium, "INVALID_EVENT", reason), "", "").
			WithBlockNumber(blockNumber).
			WithContext("event_index", index)
		return
	}
	result.Warnings = append(result.Warnings, fmt.Sprintf("第 %d 个事件: %s", index, reason))
}

// ValidateSnapshot 验证快照数据
func (v *Validator) ValidateSnapshot(snapshot *models.AccountSnapshot) *ValidationResult {
	result := newResult("snapshot")

	if snapshot == nil {
		result.Valid = false
		result.Errors = append(result.Errors, newValidationError(errors.SeverityHigh,
			"NIL_SNAPSHOT", "快照为空"))
		return result
	}

	if err := snapshot.Validate(); err != nil {
		result.addError(err, "SNAPSHOT_VALIDATION_FAILED", "快照验证失败").
			WithBlockNumber(snapshot.SnapshotAtBlock).
			WithAccount(snapshot.AccountID)
	}

	if rule, exists := v.rules["address"]; exists {
		if err := rule.Validate(snapshot.AccountID); err != nil {
			if v.strictMode {
				result.addError(err, "INVALID_ACCOUNT", "账户地址无效").
					WithBlockNumber(snapshot.SnapshotAtBlock).
					WithAccount(snapshot.AccountID)
			} else {
				result.Warnings = append(result.Warnings, fmt.Sprintf("账户 %s 不是SS58地址", snapshot.AccountID))
			}
		}
	}

	if rule, exists := v.rules["snapshot"]; exists {
		if err := rule.Validate(snapshot); err != nil {
			result.addError(err, "SNAPSHOT_RULE_VALIDATION_FAILED", "快照规则验证失败").
				WithBlockNumber(snapshot.SnapshotAtBlock).
				WithAccount(snapshot.AccountID)
		}
	}

	return result
}

// ValidateAndHandle 验证区块，失败时交给错误处理器记录
func (v *Validator) ValidateAndHandle(ctx context.Context, block *models.Block) error {
	result := v.ValidateBlock(block)
	if result.Valid {
		return nil
	}

	for _, err := range result.Errors {
		v.errorHandler.HandleError(ctx, err.WithComponent("validator"))
	}
	return result.Errors[0]
}

func newValidationError(severity errors.ErrorSeverity, code, message string) *errors.SnapshotError {
	return errors.NewSnapshotError(errors.ErrorTypeValidation, severity, code, message)
}

// BlockValidationRule 区块验证规则
type BlockValidationRule struct{}

func NewBlockValidationRule() *BlockValidationRule {
	return &BlockValidationRule{}
}

func (r *BlockValidationRule) Name() string {
	return "block"
}

func (r *BlockValidationRule) Description() string {
	return "区块数据验证规则"
}

// maxEventsPerBlock 单个区块事件数量的合理上限
const maxEventsPerBlock = 100000

func (r *BlockValidationRule) Validate(data interface{}) error {
	block, ok := data.(*models.Block)
	if !ok {
		return fmt.Errorf("数据类型不是区块")
	}

	if len(block.Events) > maxEventsPerBlock {
		return newValidationError(errors.SeverityMedium, "TOO_MANY_EVENTS",
			fmt.Sprintf("区块事件数量异常: %d", len(block.Events)))
	}

	if block.Hash != "" && !isValidHash(block.Hash) {
		return newValidationError(errors.SeverityMedium, "INVALID_HASH_FORMAT", "区块哈希格式无效")
	}

	return nil
}

// SnapshotValidationRule 快照验证规则
type SnapshotValidationRule struct{}

func NewSnapshotValidationRule() *SnapshotValidationRule {
	return &SnapshotValidationRule{}
}

func (r *SnapshotValidationRule) Name() string {
	return "snapshot"
}

func (r *SnapshotValidationRule) Description() string {
	return "余额快照验证规则"
}

func (r *SnapshotValidationRule) Validate(data interface{}) error {
	snapshot, ok := data.(*models.AccountSnapshot)
	if !ok {
		return fmt.Errorf("数据类型不是快照")
	}

	if snapshot.Timestamp.IsZero() {
		return newValidationError(errors.SeverityMedium, "MISSING_TIMESTAMP", "快照缺少时间戳")
	}

	return nil
}

// AddressValidationRule 地址验证规则
type AddressValidationRule struct {
	prefix int
}

// NewAddressValidationRule prefix 为 chainstate.AnyPrefix 时不校验网络前缀
func NewAddressValidationRule(prefix int) *AddressValidationRule {
	return &AddressValidationRule{prefix: prefix}
}

func (r *AddressValidationRule) Name() string {
	return "address"
}

func (r *AddressValidationRule) Description() string {
	return "SS58地址验证规则"
}

func (r *AddressValidationRule) Validate(data interface{}) error {
	addr, ok := data.(string)
	if !ok {
		return fmt.Errorf("数据类型不是字符串")
	}

	if _, err := chainstate.DecodeAddress(addr, r.prefix); err != nil {
		return errors.WrapError(err, errors.ErrorTypeValidation, errors.SeverityHigh,
			"INVALID_ADDRESS_FORMAT", "地址格式无效")
	}

	return nil
}

// isValidHash 0x 开头的32字节十六进制
func isValidHash(hash string) bool {
	if !strings.HasPrefix(hash, "0x") || len(hash) != 66 {
		return false
	}
	for _, c := range hash[2:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// GetValidationStats 获取验证统计信息
func (v *Validator) GetValidationStats() map[string]interface{} {
	return map[string]interface{}{
		"strict_mode":      v.strictMode,
		"registered_rules": len(v.rules),
		"error_stats":      v.errorHandler.GetStats(),
	}
}
