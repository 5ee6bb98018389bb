// Package auth validates the signed wanted-packages uploads. The signature
// is an HMAC-SHA256 over body || decimal(timestamp) || "\n" with the shared
// secret; timestamps older than 60 seconds are rejected.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// MaxTimestampAge 是签名时间戳允许的最大年龄。
const MaxTimestampAge = 60 * time.Second

var (
	// ErrMissingCredentials 表示缺少签名或时间戳，或服务端未配置密钥。
	ErrMissingCredentials = errors.New("missing credentials")
	// ErrStaleTimestamp 表示时间戳过旧（距今 60 秒或更久）；来自未来的时间戳不会触发它。
	ErrStaleTimestamp = errors.New("stale timestamp")
	// ErrBadSignature 表示 HMAC 校验失败。
	ErrBadSignature = errors.New("bad signature")
)

// Sign 计算 body 在 timestamp 时刻的十六进制签名。
func Sign(key, body []byte, timestamp int64) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("\n"))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify 校验签名与时间戳。HMAC 比较使用恒定时间实现。
func Verify(key, body []byte, hexMAC string, timestamp int64, now time.Time) error {
	if len(key) == 0 || hexMAC == "" {
		return ErrMissingCredentials
	}

	// 只做单侧检查：now - timestamp < 60。略微超前的客户端时钟不受影响。
	age := now.Unix() - timestamp
	if time.Duration(age)*time.Second >= MaxTimestampAge {
		return ErrStaleTimestamp
	}

	provided, err := hex.DecodeString(hexMAC)
	if err != nil {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("\n"))
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}
