// Package auth 提供 API Key 认证。
// 守护进程面向单机单用户，认证只有一把静态密钥，
// 用于保护远程可达的 HTTP 接口。
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// GenerateAPIKey 生成一个新的 API Key。
// 返回:
//   - string: 原始 API Key（以 "mk_" 为前缀，应安全地交给用户）
//   - string: API Key 的 SHA-256 哈希值（用于落盘存储）
//   - error: 随机数生成失败时返回错误
func GenerateAPIKey() (string, string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", "", err
	}
	key := "mk_" + hex.EncodeToString(bytes)
	return key, HashAPIKey(key), nil
}

// HashAPIKey 计算 API Key 的 SHA-256 哈希值（十六进制编码）。
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// Equal 以恒定时间比较两个 API Key。
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
