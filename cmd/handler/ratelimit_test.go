package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllowTokenRequestPerSourceBucket(t *testing.T) {
	hs := &handlerServer{}
	var addrA, addrB [16]byte
	addrA[0] = 1
	addrB[0] = 2

	for i := int64(0); i < tokenRequestBurst; i++ {
		require.True(t, hs.allowTokenRequest(addrA), "request %d should be within burst", i)
	}
	require.False(t, hs.allowTokenRequest(addrA), "burst should be exhausted")

	// a different source address has its own, unexhausted bucket.
	require.True(t, hs.allowTokenRequest(addrB))
}
