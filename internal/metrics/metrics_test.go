package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesRecordedSeries(t *testing.T) {
	SetQueueDepth(3)
	SetSessionAlive(true)
	RecordLaunch(false)
	RecordJob("chat", "ok", 2*time.Second)
	RecordPolls(4)
	RecordRejected("queue_full")

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, "webchat_proxy_queue_depth 3")
	assert.Contains(t, out, "webchat_proxy_session_alive 1")
	assert.Contains(t, out, `webchat_proxy_jobs_total{kind="chat",outcome="ok"}`)
	assert.Contains(t, out, `webchat_proxy_requests_rejected_total{reason="queue_full"}`)
}
