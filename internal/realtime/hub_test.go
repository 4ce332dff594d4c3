package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/trialguard/internal/domain"
)

func rec(tenantID, accountID string, d domain.Disposition, reasons ...string) *domain.DecisionRecord {
	return &domain.DecisionRecord{
		ID:          tenantID + "-" + accountID,
		TenantID:    tenantID,
		AccountID:   accountID,
		Disposition: d,
		Reasons:     reasons,
	}
}

func TestShouldSend(t *testing.T) {
	client := &Client{tenantID: "t1"}

	assert.True(t, shouldSend(client, rec("t1", "a", domain.DispositionAllow)))
	assert.False(t, shouldSend(client, rec("t2", "a", domain.DispositionAllow)), "other tenant must never be streamed")

	client.sub = Subscription{Dispositions: []domain.Disposition{domain.DispositionBlock, domain.DispositionFlag}}
	assert.True(t, shouldSend(client, rec("t1", "a", domain.DispositionBlock)))
	assert.False(t, shouldSend(client, rec("t1", "a", domain.DispositionAllow)))

	client.sub = Subscription{Accounts: []string{"watched"}}
	assert.True(t, shouldSend(client, rec("t1", "watched", domain.DispositionAllow)))
	assert.False(t, shouldSend(client, rec("t1", "other", domain.DispositionAllow)))

	client.sub = Subscription{Reasons: []string{domain.ReasonResourceAnomaly}}
	assert.True(t, shouldSend(client, rec("t1", "a", domain.DispositionFlag, domain.ReasonColdStart, domain.ReasonResourceAnomaly)))
	assert.False(t, shouldSend(client, rec("t1", "a", domain.DispositionFlag, domain.ReasonColdStart)))
}

func TestBroadcastQueueFull(t *testing.T) {
	h := NewHub(slog.Default())
	for i := 0; i < cap(h.broadcast)+3; i++ {
		h.Broadcast(rec("t1", "a", domain.DispositionAllow))
	}
	assert.Equal(t, int64(3), h.Stats()["dropped"])
}

func TestHubStreamsTenantDecisions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := NewHub(slog.Default())
	go h.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeTenant(w, r, r.URL.Query().Get("tenant"))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?tenant=t1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Clients() == 1 }, time.Second, 5*time.Millisecond)

	h.Broadcast(rec("t2", "x", domain.DispositionBlock))
	h.Broadcast(rec("t1", "acct-1", domain.DispositionBlock, domain.ReasonHighClaimRate))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev Event
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, EventDecision, ev.Type)
	require.NotNil(t, ev.Data)
	assert.Equal(t, "t1", ev.Data.TenantID)
	assert.Equal(t, "acct-1", ev.Data.AccountID)

	cancel()
	require.Eventually(t, func() bool { return h.Clients() == 0 }, time.Second, 5*time.Millisecond)
}

func TestServeTenantAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := NewHub(slog.Default())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	w := httptest.NewRecorder()
	h.ServeTenant(w, httptest.NewRequest(http.MethodGet, "/stream", nil), "t1")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
