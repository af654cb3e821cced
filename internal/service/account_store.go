package service

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/zelo-labs/relaygate/internal/domain"
	"github.com/zelo-labs/relaygate/internal/pkg/logger"
)

// accountRecord 账号文件里的单条记录
type accountRecord struct {
	ID           int64             `json:"id"`
	Name         string            `json:"name"`
	Email        string            `json:"email"`
	Platform     string            `json:"platform"`
	Enabled      *bool             `json:"enabled"`
	ModelMapping map[string]string `json:"model_mapping"`
	Credential   json.RawMessage   `json:"credential"`
}

type claudeCredentialRecord struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	BaseURL      string    `json:"base_url"`
}

type geminiCredentialRecord struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
	ProjectID    string    `json:"project_id"`
}

type kiroCredentialRecord struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Region       string    `json:"region"`
	ProfileArn   string    `json:"profile_arn"`
	AuthMethod   string    `json:"auth_method"`
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret"`
	MachineUUID  string    `json:"machine_uuid"`
}

type geminiBizCredentialRecord struct {
	Csesidx    string `json:"csesidx"`
	SESCookie  string `json:"ses_cookie"`
	OSESCookie string `json:"oses_cookie"`
	ConfigID   string `json:"config_id"`
	Issuer     string `json:"issuer"`
	Audience   string `json:"audience"`
}

type openaiCredentialRecord struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
}

// decodeCredential 按平台解码凭据变体
func decodeCredential(platform string, raw json.RawMessage) (Credential, error) {
	switch platform {
	case domain.PlatformClaude:
		var r claudeCredentialRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return &ClaudeCredential{
			AccessToken:  r.AccessToken,
			RefreshToken: r.RefreshToken,
			ExpiresAt:    r.ExpiresAt,
			BaseURL:      r.BaseURL,
		}, nil

	case domain.PlatformFactory:
		var r claudeCredentialRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return &FactoryCredential{
			AccessToken:  r.AccessToken,
			RefreshToken: r.RefreshToken,
			ExpiresAt:    r.ExpiresAt,
		}, nil

	case domain.PlatformGemini, domain.PlatformAntigravity:
		var r geminiCredentialRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return &GeminiCredential{
			AccessToken:  r.AccessToken,
			RefreshToken: r.RefreshToken,
			Expiry:       r.Expiry.UTC(),
			ProjectID:    r.ProjectID,
		}, nil

	case domain.PlatformKiro:
		var r kiroCredentialRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return &KiroCredential{
			AccessToken:  r.AccessToken,
			RefreshToken: r.RefreshToken,
			ExpiresAt:    r.ExpiresAt,
			Region:       r.Region,
			ProfileArn:   r.ProfileArn,
			AuthMethod:   r.AuthMethod,
			ClientID:     r.ClientID,
			ClientSecret: r.ClientSecret,
			MachineUUID:  r.MachineUUID,
		}, nil

	case domain.PlatformGeminiBusiness:
		var r geminiBizCredentialRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return &GeminiBusinessCredential{
			Csesidx:    r.Csesidx,
			SESCookie:  r.SESCookie,
			OSESCookie: r.OSESCookie,
			ConfigID:   r.ConfigID,
			Issuer:     r.Issuer,
			Audience:   r.Audience,
		}, nil

	case domain.PlatformOpenAI:
		var r openaiCredentialRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, err
		}
		return &OpenAICredential{APIKey: r.APIKey, BaseURL: r.BaseURL}, nil

	default:
		return nil, fmt.Errorf("unknown platform %q", platform)
	}
}

// ParseAccounts 解析账号文件内容。坏记录跳过并记日志，不拖垮整个池。
func ParseAccounts(data []byte) ([]*Account, error) {
	var records []accountRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse accounts: %w", err)
	}

	accounts := make([]*Account, 0, len(records))
	for _, rec := range records {
		cred, err := decodeCredential(rec.Platform, rec.Credential)
		if err != nil {
			logger.LegacyPrintf("AccountStore", "skip account %d: %v", rec.ID, err)
			continue
		}
		account, err := NewAccount(rec.ID, rec.Name, rec.Platform, cred)
		if err != nil {
			logger.LegacyPrintf("AccountStore", "skip account %d: %v", rec.ID, err)
			continue
		}
		account.Email = rec.Email
		account.ModelMapping = rec.ModelMapping
		if rec.Enabled != nil && !*rec.Enabled {
			account.Disable()
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

// LoadAccountsFile 从 JSON 文件加载账号池；文件不存在返回空池
func LoadAccountsFile(path string) ([]*Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.LegacyPrintf("AccountStore", "accounts file %s not found, starting with empty pool", path)
			return nil, nil
		}
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	accounts, err := ParseAccounts(data)
	if err != nil {
		return nil, err
	}
	logger.LegacyPrintf("AccountStore", "loaded %d accounts from %s", len(accounts), path)
	return accounts, nil
}
