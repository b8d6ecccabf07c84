package cf_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"torii/cf"
)

const challengeBody = `<html><head><title>Just a moment...</title></head>
<body><div id="challenge-platform">Checking your browser before accessing</div></body></html>`

func TestIsChallenge(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"challenge status with markers", 503, challengeBody, true},
		{"403 without markers still blocked", 403, "<html>Forbidden</html>", true},
		{"429 rate limited", 429, "", true},
		{"markers on a 200", 200, challengeBody, true},
		{"marker case-insensitive", 200, "<div>JUST A MOMENT</div>", true},
		{"clean 200", 200, "<html><title>Home</title></html>", false},
		{"clean 500", 500, "internal error", false},
		{"empty body clean status", 204, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, cf.IsChallenge(tc.status, []byte(tc.body)))
		})
	}
}

func TestIsChallengePure(t *testing.T) {
	body := []byte(challengeBody)
	first := cf.IsChallenge(503, body)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, cf.IsChallenge(503, body))
	}
	assert.Equal(t, challengeBody, string(body), "detection must not mutate the body")
}

func TestHasChallengeMarkers(t *testing.T) {
	assert.True(t, cf.HasChallengeMarkers([]byte("window._cf_chl_opt = {}")))
	assert.True(t, cf.HasChallengeMarkers([]byte("cookie cf_clearance missing")))
	assert.False(t, cf.HasChallengeMarkers([]byte("regular page about clearance sales")))
}

func TestIsWhitelisted403(t *testing.T) {
	body := []byte("<html><title>MySiteTitle</title>body</html>")

	assert.True(t, cf.IsWhitelisted403(403, body, []string{"MySiteTitle"}))
	assert.True(t, cf.IsWhitelisted403(403, body, []string{"mysitetitle"}), "markers match case-insensitively")
	assert.False(t, cf.IsWhitelisted403(403, body, []string{"OtherSite"}))
	assert.False(t, cf.IsWhitelisted403(403, body, nil), "no markers, no exception")
	assert.False(t, cf.IsWhitelisted403(503, body, []string{"MySiteTitle"}), "only 403 qualifies")
}

func TestDetectResponseKeepsBodyReadable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(challengeBody))
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	blocked, err := cf.DetectResponse(resp)
	require.NoError(t, err)
	assert.True(t, blocked)

	// The body must still be consumable after detection.
	remaining, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(remaining), "challenge-platform")
}
