package httpclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTransportDefault(t *testing.T) {
	tr := buildTransport(Options{})
	assert.Nil(t, tr.DialTLSContext)
	assert.True(t, tr.ForceAttemptHTTP2)
}

func TestBuildTransportNodeFingerprint(t *testing.T) {
	tr := buildTransport(Options{NodeTLSFingerprint: true})
	require.NotNil(t, tr.DialTLSContext)
	// 指纹握手只协商 http/1.1
	assert.False(t, tr.ForceAttemptHTTP2)
}

func TestBuildTransportSkipVerifyFallsBackToStandardTLS(t *testing.T) {
	tr := buildTransport(Options{NodeTLSFingerprint: true, InsecureSkipVerify: true})
	assert.Nil(t, tr.DialTLSContext)
	assert.True(t, tr.TLSClientConfig.InsecureSkipVerify)
}

func TestClientKeyDistinguishesFingerprint(t *testing.T) {
	ResetForTest()
	defer ResetForTest()

	plain := GetClient(Options{})
	fingerprinted := GetClient(Options{NodeTLSFingerprint: true})
	assert.NotSame(t, plain, fingerprinted)
	assert.Same(t, fingerprinted, GetClient(Options{NodeTLSFingerprint: true}))
}
