package provider

import (
	"fmt"
	"strings"
	"time"

	"estrader/internal/logger"
)

type ModelCfg struct {
	ID, APIURL, APIKey, Model string
	Headers                   map[string]string
	SupportsVision            bool
}

// BuildProvider 按配置构造模型客户端，未配置 ID 时从 API 地址与模型名生成。
func BuildProvider(m ModelCfg, timeout time.Duration) ModelProvider {
	if strings.TrimSpace(m.ID) == "" {
		host := strings.TrimPrefix(strings.TrimPrefix(m.APIURL, "https://"), "http://")
		if idx := strings.Index(host, "/"); idx > 0 {
			host = host[:idx]
		}
		if host == "" {
			host = "openai"
		}
		m.ID = fmt.Sprintf("%s:%s", host, strings.TrimSpace(m.Model))
		logger.Debugf("[oracle] 未配置 id，已生成 %s", m.ID)
	}
	return NewOpenAIChatClient(m, timeout)
}
