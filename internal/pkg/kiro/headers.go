package kiro

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/host"
)

const kiroClientVersion = "0.7.5"

// MachineID 计算稳定机器标识：uuid ?? profileArn ?? clientId ?? 固定兜底，SHA-256 hex
func MachineID(machineUUID, profileArn, clientID string) string {
	seed := machineUUID
	if seed == "" {
		seed = profileArn
	}
	if seed == "" {
		seed = clientID
	}
	if seed == "" {
		seed = "KIRO_DEFAULT_MACHINE"
	}
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

var (
	osInfoOnce sync.Once
	osInfo     string
)

// userAgentOSInfo 取宿主 OS 信息拼 UA；host.Info 失败时退回 runtime 常量
func userAgentOSInfo() string {
	osInfoOnce.Do(func() {
		if info, err := host.Info(); err == nil {
			osInfo = fmt.Sprintf("%s/%s", info.Platform, info.PlatformVersion)
		} else {
			osInfo = runtime.GOOS
		}
	})
	return osInfo
}

// UserAgent Kiro 客户端 UA，携带 OS 与运行时信息
func UserAgent() string {
	return fmt.Sprintf("aws-sdk-js/1.0.7 ua/2.1 os/%s lang/js md/nodejs#20.16.0 api/codewhispererstreaming#1.0.7 m/E KiroIDE-%s",
		userAgentOSInfo(), kiroClientVersion)
}

// ApplyHeaders 设置 CodeWhisperer 上游要求的请求头
func ApplyHeaders(h http.Header, accessToken, machineID string) {
	h.Set("Authorization", "Bearer "+accessToken)
	h.Set("Content-Type", "application/x-amz-json-1.0")
	h.Set("amz-sdk-invocation-id", uuid.New().String())
	h.Set("amz-sdk-request", "attempt=1; max=1")
	h.Set("x-amzn-kiro-agent-mode", "vibe")
	h.Set("x-amz-user-agent", fmt.Sprintf("aws-sdk-js/1.0.0 KiroIDE-%s-%s", kiroClientVersion, machineID))
	h.Set("user-agent", UserAgent())
	h.Set("Connection", "close")
}
