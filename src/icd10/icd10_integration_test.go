//go:build integration

package icd10

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camelot/whoicd/src/httpclient"
	"github.com/camelot/whoicd/src/token"
)

func liveClient(t *testing.T) *Client {
	t.Helper()
	godotenv.Load("../../.env")
	id, secret := os.Getenv("WHO_CLIENT_ID"), os.Getenv("WHO_CLIENT_SECRET")
	if id == "" || secret == "" {
		t.Skip("WHO_CLIENT_ID and WHO_CLIENT_SECRET are not set")
	}
	doer := httpclient.NewClient("whoicd-test")
	tokens := token.New(token.Config{ClientID: id, ClientSecret: secret}, doer, nil)
	return New(Config{}, doer, tokens, nil)
}

func TestLiveReleases(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	out, err := liveClient(t).Releases(ctx)
	require.NoError(t, err)
	assert.Contains(t, out["release"], "http://id.who.int/icd/release/10/2019")
}

func TestLiveRelease(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	out, err := liveClient(t).Release(ctx, "2019")
	require.NoError(t, err)
	children, ok := out["child"].([]any)
	require.True(t, ok)
	assert.Len(t, children, 22)
	assert.Equal(t, "http://id.who.int/icd/release/10/2019/I", children[0])
}

func TestLiveCode(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()
	c := liveClient(t)
	const expected = "Cholera due to Vibrio cholerae 01, biovar cholerae"

	out, err := c.Code(ctx, "A00.0")
	require.NoError(t, err)
	assert.Equal(t, expected, out["title"].(map[string]any)["@value"])

	out, err = c.CodeByRelease(ctx, "A00.0", "2019")
	require.NoError(t, err)
	assert.Equal(t, expected, out["title"].(map[string]any)["@value"])
}
