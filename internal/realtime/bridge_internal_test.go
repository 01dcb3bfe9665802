package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/carebridge/carebridge-client/internal/cache"
	"github.com/carebridge/carebridge-client/internal/config"
	"github.com/carebridge/carebridge-client/internal/credential"
	"github.com/carebridge/carebridge-client/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridge_StalledControlWriteDoesNotBlockEvents(t *testing.T) {
	server := testhelpers.SetupMockRealtimeServer(t)
	store := credential.NewStore()
	engine := cache.NewEngine(cache.NewMemory[[]byte](100))
	ctx := context.Background()

	sig := cache.SignatureOf("GET", "/chats/42/messages", nil, nil)
	_, err := engine.Write(ctx, sig, []byte(`[]`), []cache.Tag{cache.ItemTag("chat", "42")})
	require.NoError(t, err)

	b := NewBridge(config.RealtimeConfig{
		URL:                     server.URL(),
		TokenParam:              "token",
		PingIntervalSeconds:     1,
		HandshakeTimeoutSeconds: 2,
	}, store, engine, WithBackoff(Backoff{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}))

	require.NoError(t, store.Set(credential.Credentials{AccessToken: "access-A", RefreshToken: "refresh-A"}))
	b.Subscribe("chat:42", InvalidateRecord("chat"))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- b.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	remote := server.NextConn(t)
	server.NextMessage(t)
	require.Eventually(t, func() bool { return b.State() == Connected }, 5*time.Second, 5*time.Millisecond)

	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	require.NotNil(t, conn)

	// a socket that cannot take writes
	conn.writeMu.Lock()
	subscribed := make(chan struct{})
	go func() {
		b.Subscribe("chat:43", InvalidateRecord("chat"))
		close(subscribed)
	}()

	stateRead := make(chan ConnState, 1)
	go func() {
		stateRead <- b.State()
	}()
	select {
	case s := <-stateRead:
		assert.Equal(t, Connected, s)
	case <-time.After(time.Second):
		t.Fatal("State blocked behind a control write")
	}

	require.NoError(t, remote.Push("chat:42", "message.created", map[string]any{"id": 42}))
	assert.Eventually(t, func() bool {
		entry, ok := engine.Read(ctx, sig)
		return ok && entry.Status == cache.Invalidated
	}, 5*time.Second, 5*time.Millisecond, "events are dispatched while a control write is pending")

	conn.writeMu.Unlock()
	select {
	case <-subscribed:
	case <-time.After(5 * time.Second):
		t.Fatal("subscribe did not complete")
	}
	assert.Equal(t, testhelpers.ControlMessage{Type: "subscribe", Topic: "chat:43", Token: "access-A"}, server.NextMessage(t))
}
