package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zelo-labs/relaygate/internal/domain"
)

func TestParseAccountsMixedPlatforms(t *testing.T) {
	data := []byte(`[
		{"id":1,"name":"c1","platform":"claude",
		 "credential":{"access_token":"tok-c","refresh_token":"r","expires_at":"2030-01-01T00:00:00Z","base_url":"https://proxy.example.com"}},
		{"id":2,"name":"k1","platform":"kiro","model_mapping":{"claude-sonnet-4-5":"CLAUDE_SONNET_4_5_20250929_V1_0"},
		 "credential":{"access_token":"tok-k","region":"eu-west-1","profile_arn":"arn:aws:x"}},
		{"id":3,"name":"b1","platform":"gemini-business",
		 "credential":{"csesidx":"idx","ses_cookie":"ses","config_id":"cfg"}},
		{"id":4,"name":"o1","platform":"openai","enabled":false,
		 "credential":{"api_key":"sk-test"}}
	]`)

	accounts, err := ParseAccounts(data)
	require.NoError(t, err)
	require.Len(t, accounts, 4)

	assert.Equal(t, domain.PlatformClaude, accounts[0].Platform)
	assert.Equal(t, "https://proxy.example.com", accounts[0].BaseURL())

	kiroCred, ok := accounts[1].Credential.(*KiroCredential)
	require.True(t, ok)
	assert.Equal(t, "eu-west-1", kiroCred.Region)
	assert.Equal(t, "CLAUDE_SONNET_4_5_20250929_V1_0", accounts[1].MapModel("claude-sonnet-4-5"))
	assert.Equal(t, "unknown-model", accounts[1].MapModel("unknown-model"))

	assert.Equal(t, domain.PlatformGeminiBusiness, accounts[2].Platform)
	assert.True(t, accounts[2].IsEnabled())

	// enabled:false 的账号加载后即为禁用态
	assert.False(t, accounts[3].IsEnabled())
	assert.Equal(t, "", accounts[3].BaseURL())
}

func TestParseAccountsSkipsBadRecords(t *testing.T) {
	data := []byte(`[
		{"id":1,"platform":"claude","credential":{"access_token":""}},
		{"id":2,"platform":"made-up","credential":{}},
		{"id":3,"platform":"claude","credential":{"access_token":"ok"}}
	]`)

	accounts, err := ParseAccounts(data)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, int64(3), accounts[0].ID)
}

func TestParseAccountsInvalidJSON(t *testing.T) {
	_, err := ParseAccounts([]byte(`{not json`))
	assert.Error(t, err)
}
