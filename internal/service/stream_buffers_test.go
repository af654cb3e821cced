package service

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanUpstreamLines(t *testing.T) {
	gw, _, _ := newTestGateway(t)

	var lines []string
	err := gw.scanUpstreamLines(context.Background(), strings.NewReader("event: ping\ndata: {}\n\ndata: done\n"),
		func(line string) error {
			lines = append(lines, line)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"event: ping", "data: {}", "", "data: done"}, lines)
}

func TestRelayScanBufPool(t *testing.T) {
	b := getRelayScanBuf()
	require.NotNil(t, b)
	assert.Len(t, b[:], relayScanBufSize)
	putRelayScanBuf(b)
	putRelayScanBuf(nil)
}
