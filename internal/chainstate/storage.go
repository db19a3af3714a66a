package chainstate

import (
	"fmt"

	"snapshotter/pkg/models"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/blake2b"
)

// systemAccountPrefix twox128("System") ++ twox128("Account")
var systemAccountPrefix = hexutil.MustDecode("0x26aa394eea5630e07c48ae0c9558cef7b99d880ec681799c0cf30e8886371da9")

// accountDataLength AccountData 由4个 u128 组成：free, reserved, frozen(misc_frozen), flags(fee_frozen)
const accountDataLength = 4 * 16

// AccountStorageKey System.Account 的存储键，哈希方式为 Blake2_128Concat
func AccountStorageKey(pubkey []byte) (string, error) {
	if len(pubkey) != PublicKeyLength {
		return "", fmt.Errorf("账户公钥长度应为 %d 字节，实际 %d", PublicKeyLength, len(pubkey))
	}

	h, err := blake2b.New(16, nil)
	if err != nil {
		return "", err
	}
	h.Write(pubkey)

	key := make([]byte, 0, len(systemAccountPrefix)+16+PublicKeyLength)
	key = append(key, systemAccountPrefix...)
	key = h.Sum(key)
	key = append(key, pubkey...)
	return hexutil.Encode(key), nil
}

// DecodeAccountData 解析SCALE编码的 AccountInfo
// AccountData 位于末尾，不同运行时版本的前置计数字段长度不同
func DecodeAccountData(raw []byte) (*models.AccountInfo, error) {
	if len(raw) < accountDataLength {
		return nil, fmt.Errorf("AccountInfo 长度 %d 不足 %d 字节", len(raw), accountDataLength)
	}

	data := raw[len(raw)-accountDataLength:]
	return &models.AccountInfo{
		Free:     decodeU128(data[0:16]),
		Reserved: decodeU128(data[16:32]),
	}, nil
}

// decodeU128 小端序 u128
func decodeU128(le []byte) *uint256.Int {
	be := make([]byte, len(le))
	for i := range le {
		be[len(le)-1-i] = le[i]
	}
	return new(uint256.Int).SetBytes(be)
}
