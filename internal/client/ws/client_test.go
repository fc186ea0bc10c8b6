package ws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/token-relay/internal/assembler"
	"github.com/omochice/token-relay/internal/chat"
	clientws "github.com/omochice/token-relay/internal/client/ws"
	transportws "github.com/omochice/token-relay/internal/transport/ws"
	"github.com/omochice/token-relay/internal/upstream"
	"github.com/omochice/token-relay/internal/upstream/mock"
	"github.com/omochice/token-relay/pkg/protocol"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// startRelay runs the real WebSocket transport in front of provider.
func startRelay(t *testing.T, provider *mock.Provider) string {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	hub := chat.NewHub(upstream.NewClient(provider, upstream.DefaultParams()), logger)
	srv := transportws.New("127.0.0.1:0", hub, logger)
	go srv.Start()
	t.Cleanup(srv.Stop)
	require.Eventually(t, func() bool { return srv.Addr() != "" }, time.Second, 5*time.Millisecond)
	return "ws://" + srv.Addr() + transportws.Path
}

func collect(t *testing.T, c *clientws.Client, n int) []protocol.Event {
	t.Helper()
	var got []protocol.Event
	for len(got) < n {
		select {
		case e, ok := <-c.Events():
			require.True(t, ok, "events closed early")
			got = append(got, e)
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout after %d events", len(got))
		}
	}
	return got
}

func TestClient_ConnectAndClose(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		// Wait for client to disconnect
		wsutil.ReadClientData(conn)
	}))
	defer server.Close()

	client, err := clientws.Dial(context.Background(), wsURL(server))
	require.NoError(t, err)

	require.NoError(t, client.Close())
	select {
	case <-client.Done():
	default:
		t.Fatal("Done should be closed after Close")
	}
	assert.NoError(t, client.Err())
	assert.ErrorIs(t, client.Send(context.Background(), "late"), clientws.ErrClosed)
}

func TestClient_DialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := clientws.Dial(ctx, "ws://127.0.0.1:1/ws")
	assert.Error(t, err)
}

func TestClient_Send(t *testing.T) {
	received := make(chan []byte, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil || op != ws.OpText {
			return
		}
		received <- data
	}))
	defer server.Close()

	client, err := clientws.Dial(context.Background(), wsURL(server))
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Send(context.Background(), "hello"))

	select {
	case data := <-received:
		assert.Equal(t, "hello", string(data))
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestClient_SkipsUndecodableEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()
		wsutil.WriteServerText(conn, []byte(`not json`))
		wsutil.WriteServerText(conn, []byte(`{"type":"mystery"}`))
		wsutil.WriteServerText(conn, []byte(`{"type":"done"}`))
		wsutil.ReadClientData(conn)
	}))
	defer server.Close()

	client, err := clientws.Dial(context.Background(), wsURL(server))
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, []protocol.Event{protocol.Done()}, collect(t, client, 1))
}

func TestClient_EventsClosedWhenServerCloses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		wsutil.WriteServerMessage(conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		time.Sleep(50 * time.Millisecond)
		conn.Close()
	}))
	defer server.Close()

	client, err := clientws.Dial(context.Background(), wsURL(server))
	require.NoError(t, err)
	defer client.Close()

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after server close")
	}
	_, ok := <-client.Events()
	assert.False(t, ok)
	assert.NoError(t, client.Err())
}

func TestClient_RelayRoundTrip(t *testing.T) {
	url := startRelay(t, mock.Fragments("Hel", "lo!"))

	client, err := clientws.Dial(context.Background(), url)
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, "", client.Protocol())

	a := assembler.New()
	_, ok := a.Submit("hi")
	require.True(t, ok)
	require.NoError(t, client.Send(context.Background(), "hi"))

	for _, e := range collect(t, client, 3) {
		a.Apply(e)
	}

	assert.False(t, a.InProgress())
	msgs := a.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello!", msgs[1].Text)
	assert.Equal(t, assembler.RoleAssistant, msgs[1].Role)
}

func TestClient_RelayProtoSubprotocol(t *testing.T) {
	url := startRelay(t, mock.Fragments("Hel", "lo!"))

	client, err := clientws.Dial(context.Background(), url, clientws.WithProtocol(protocol.SubprotocolProto))
	require.NoError(t, err)
	defer client.Close()
	require.Equal(t, protocol.SubprotocolProto, client.Protocol())

	require.NoError(t, client.Send(context.Background(), "hi"))

	assert.Equal(t, []protocol.Event{
		protocol.Chunk("Hel"),
		protocol.Chunk("lo!"),
		protocol.Done(),
	}, collect(t, client, 3))
}

func TestClient_RelayFailure(t *testing.T) {
	url := startRelay(t, mock.Scripted(mock.Script{OpenErr: assert.AnError}))

	client, err := clientws.Dial(context.Background(), url)
	require.NoError(t, err)
	defer client.Close()

	a := assembler.New()
	a.Submit("hi")
	require.NoError(t, client.Send(context.Background(), "hi"))

	events := collect(t, client, 1)
	assert.Equal(t, protocol.Error(chat.DefaultErrorMessage), events[0])
	a.Apply(events[0])

	msgs := a.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, assembler.FailureText, msgs[1].Text)
	assert.False(t, a.InProgress())
}
