package chainstate

import (
	"context"
	"fmt"

	snaperrors "snapshotter/internal/errors"
	"snapshotter/pkg/models"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"
)

// Caller JSON-RPC调用接口，rpc.Client 和 connection.ConnectionPool 都满足
type Caller interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// Client 通过 state_getStorage 查询账户当前余额
type Client struct {
	caller     Caller
	ss58Prefix int
	logger     *logrus.Logger
}

// NewClient 创建链状态客户端
func NewClient(caller Caller, ss58Prefix int, logger *logrus.Logger) *Client {
	return &Client{caller: caller, ss58Prefix: ss58Prefix, logger: logger}
}

// AccountInfo 查询账户在当前链头的余额，账户不存在时返回 (nil, nil)
// 账户标识无效时返回不可重试的校验错误
func (c *Client) AccountInfo(ctx context.Context, accountID string) (*models.AccountInfo, error) {
	pubkey, err := DecodeAddress(accountID, c.ss58Prefix)
	if err != nil {
		return nil, snaperrors.WrapError(err, snaperrors.ErrorTypeValidation, snaperrors.SeverityHigh,
			"INVALID_ACCOUNT", "账户标识无效").
			WithAccount(accountID).
			WithComponent("chainstate")
	}

	key, err := AccountStorageKey(pubkey)
	if err != nil {
		return nil, err
	}

	var result *string
	if err := c.caller.CallContext(ctx, &result, "state_getStorage", key); err != nil {
		return nil, fmt.Errorf("查询账户 %s 存储失败: %w", accountID, err)
	}
	if result == nil {
		c.logger.Debugf("账户 %s 在链上不存在", accountID)
		return nil, nil
	}

	raw, err := hexutil.Decode(*result)
	if err != nil {
		return nil, fmt.Errorf("账户 %s 存储值无效: %w", accountID, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	info, err := DecodeAccountData(raw)
	if err != nil {
		return nil, fmt.Errorf("解析账户 %s 余额失败: %w", accountID, err)
	}
	return info, nil
}

// Chain 返回节点所在链的名称
func (c *Client) Chain(ctx context.Context) (string, error) {
	var chain string
	if err := c.caller.CallContext(ctx, &chain, "system_chain"); err != nil {
		return "", err
	}
	return chain, nil
}
