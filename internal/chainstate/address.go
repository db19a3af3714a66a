package chainstate

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

const (
	// PublicKeyLength 账户公钥长度
	PublicKeyLength = 32
	checksumLength  = 2
)

var ss58Prefix = []byte("SS58PRE")

// AnyPrefix 不校验地址网络前缀
const AnyPrefix = -1

// ErrInvalidAddress 账户标识无法解析为公钥
var ErrInvalidAddress = errors.New("无效的账户地址")

// DecodeAddress 解析账户标识为32字节公钥
// 支持 SS58 地址和 0x 开头的64位十六进制公钥；expectedPrefix 为 AnyPrefix 时不校验网络前缀
// 账户标识按原样解析，错误均包装 ErrInvalidAddress
func DecodeAddress(address string, expectedPrefix int) ([]byte, error) {
	pubkey, err := decodeAddress(address, expectedPrefix)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}
	return pubkey, nil
}

func decodeAddress(address string, expectedPrefix int) ([]byte, error) {
	if strings.HasPrefix(address, "0x") || strings.HasPrefix(address, "0X") {
		pubkey, err := hexutil.Decode("0x" + address[2:])
		if err != nil {
			return nil, fmt.Errorf("无效的十六进制账户 %q: %w", address, err)
		}
		if len(pubkey) != PublicKeyLength {
			return nil, fmt.Errorf("账户公钥长度应为 %d 字节，实际 %d", PublicKeyLength, len(pubkey))
		}
		return pubkey, nil
	}

	raw, err := base58.Decode(address)
	if err != nil {
		return nil, fmt.Errorf("无效的SS58地址 %q: %w", address, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("SS58地址为空")
	}

	prefixLen, network, err := decodeNetworkPrefix(raw)
	if err != nil {
		return nil, err
	}
	if len(raw) != prefixLen+PublicKeyLength+checksumLength {
		return nil, fmt.Errorf("SS58地址 %q 长度无效", address)
	}

	body := raw[:len(raw)-checksumLength]
	if !bytes.Equal(ss58Checksum(body), raw[len(raw)-checksumLength:]) {
		return nil, fmt.Errorf("SS58地址 %q 校验和错误", address)
	}
	if expectedPrefix != AnyPrefix && network != expectedPrefix {
		return nil, fmt.Errorf("SS58地址 %q 网络前缀为 %d，期望 %d", address, network, expectedPrefix)
	}

	pubkey := make([]byte, PublicKeyLength)
	copy(pubkey, raw[prefixLen:prefixLen+PublicKeyLength])
	return pubkey, nil
}

// decodeNetworkPrefix 前缀 0-63 占1字节，64-16383 占2字节
func decodeNetworkPrefix(raw []byte) (int, int, error) {
	first := raw[0]
	switch {
	case first < 64:
		return 1, int(first), nil
	case first < 128:
		if len(raw) < 2 {
			return 0, 0, fmt.Errorf("SS58地址前缀不完整")
		}
		second := raw[1]
		network := int(first&0x3f)<<2 | int(second>>6) | int(second&0x3f)<<8
		return 2, network, nil
	default:
		return 0, 0, fmt.Errorf("不支持的SS58地址前缀 %d", first)
	}
}

// EncodeAddress 将公钥编码为指定网络的SS58地址
func EncodeAddress(pubkey []byte, network int) (string, error) {
	if len(pubkey) != PublicKeyLength {
		return "", fmt.Errorf("账户公钥长度应为 %d 字节，实际 %d", PublicKeyLength, len(pubkey))
	}

	var body []byte
	switch {
	case network >= 0 && network < 64:
		body = []byte{byte(network)}
	case network >= 64 && network < 16384:
		first := byte((network&0xfc)>>2) | 0x40
		second := byte(network>>8) | byte((network&0x03)<<6)
		body = []byte{first, second}
	default:
		return "", fmt.Errorf("无效的SS58网络前缀 %d", network)
	}

	body = append(body, pubkey...)
	return base58.Encode(append(body, ss58Checksum(body)...)), nil
}

func ss58Checksum(body []byte) []byte {
	h := blake2b.Sum512(append(append([]byte{}, ss58Prefix...), body...))
	return h[:checksumLength]
}
