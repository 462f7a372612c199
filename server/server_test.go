package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/huykn/tagsync/cache"
	"github.com/huykn/tagsync/consumer"
	"github.com/huykn/tagsync/quote"
	"github.com/huykn/tagsync/telemetry"
	"github.com/huykn/tagsync/transport"
	"github.com/huykn/tagsync/types"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	server *Server
	http   *httptest.Server
	token  string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics, err := telemetry.NewPrometheusCollector(reg)
	require.NoError(t, err)

	s, err := New(Options{
		Authenticator: NewJWTAuthenticator(testSecret),
		Gatherer:      reg,
		Metrics:       metrics,
	})
	require.NoError(t, err)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		hs.Close()
	})

	token, err := IssueToken(testSecret, "admin@example.com", time.Hour)
	require.NoError(t, err)
	return &testEnv{server: s, http: hs, token: token}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.http.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeQuote(t *testing.T, resp *http.Response) types.Quote {
	t.Helper()
	var q types.Quote
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&q))
	return q
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws"
}

// messageHandler collects what a transport channel delivers.
type messageHandler struct {
	opens    chan struct{}
	messages chan types.InvalidationMessage
}

func newMessageHandler() *messageHandler {
	return &messageHandler{opens: make(chan struct{}, 4), messages: make(chan types.InvalidationMessage, 16)}
}

func (h *messageHandler) HandleOpen()                                 { h.opens <- struct{}{} }
func (h *messageHandler) HandleMessage(msg types.InvalidationMessage) { h.messages <- msg }
func (h *messageHandler) HandleOffline(error)                         {}

func (e *testEnv) connect(t *testing.T, h transport.Handler) *transport.Channel {
	t.Helper()
	ch, err := transport.NewChannel(transport.NewWebsocketDialer(e.wsURL()), h, transport.DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, ch.Connect(context.Background(), e.token))
	t.Cleanup(ch.Close)
	return ch
}

func (e *testEnv) waitChannels(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return e.server.Broadcaster().Channels() == n }, 2*time.Second, 5*time.Millisecond)
}

func nextMessage(t *testing.T, h *messageHandler) types.InvalidationMessage {
	t.Helper()
	select {
	case msg := <-h.messages:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return types.InvalidationMessage{}
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/healthz", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestQuoteEndpointsRequireToken(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/quote", map[string]any{"items": []types.QuoteItem{{ProductID: "p1", Quantity: 1}}}, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	expired, err := IssueToken(testSecret, "admin", -time.Minute)
	require.NoError(t, err)
	resp = env.do(t, http.MethodGet, "/quote/x", nil, expired)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	forged, err := IssueToken("other-secret", "admin", time.Hour)
	require.NoError(t, err)
	resp = env.do(t, http.MethodGet, "/quote/x", nil, forged)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	env := newTestEnv(t)

	_, err := transport.NewWebsocketDialer(env.wsURL()).Dial(context.Background(), "garbage")
	require.ErrorIs(t, err, transport.ErrUnauthorized)
	require.Equal(t, 0, env.server.Broadcaster().Channels())
}

func TestQuoteMutationsBroadcast(t *testing.T) {
	env := newTestEnv(t)
	h := newMessageHandler()
	env.connect(t, h)
	env.waitChannels(t, 1)

	resp := env.do(t, http.MethodPost, "/quote", map[string]any{
		"items": []types.QuoteItem{{ProductID: "p1", Quantity: 2}},
	}, env.token)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	q := decodeQuote(t, resp)
	require.Equal(t, types.QuotePending, q.Status)
	require.Equal(t, "admin@example.com", q.OwnerEmail)

	msg := nextMessage(t, h)
	require.Equal(t, []types.Tag{types.ListTag(types.KindQuote)}, msg.Tags)

	resp = env.do(t, http.MethodPost, "/quote/"+q.ID+"/price", map[string]any{"prices": []string{"19.99"}}, env.token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, types.QuotePriced, decodeQuote(t, resp).Status)

	msg = nextMessage(t, h)
	require.Equal(t, []types.Tag{types.ListTag(types.KindQuote), q.Tag()}, msg.Tags)
	require.Equal(t, "Quote priced", msg.Message)

	// a failed mutation broadcasts nothing
	resp = env.do(t, http.MethodPost, "/quote/"+q.ID+"/reject", nil, env.token)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/quote/missing/reject", nil, env.token)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	select {
	case msg := <-h.messages:
		t.Fatalf("unexpected message %v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPriceValidation(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/quote", map[string]any{
		"items": []types.QuoteItem{{ProductID: "p1", Quantity: 1}, {ProductID: "p2", Quantity: 1}},
	}, env.token)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	q := decodeQuote(t, resp)

	resp = env.do(t, http.MethodPost, "/quote/"+q.ID+"/price", map[string]any{"prices": []string{"1.00"}}, env.token)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/quote/"+q.ID, nil, env.token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, types.QuotePending, decodeQuote(t, resp).Status)
}

func TestChannelClosedOnDisconnect(t *testing.T) {
	env := newTestEnv(t)
	ch := env.connect(t, newMessageHandler())
	env.waitChannels(t, 1)

	ch.Close()
	env.waitChannels(t, 0)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	h := newMessageHandler()
	env.connect(t, h)
	env.waitChannels(t, 1)

	resp := env.do(t, http.MethodPost, "/quote", map[string]any{
		"items": []types.QuoteItem{{ProductID: "p1", Quantity: 1}},
	}, env.token)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	nextMessage(t, h)

	resp = env.do(t, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body bytes.Buffer
	_, err := body.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Contains(t, body.String(), "tagsync_broadcasts_total 1")
	require.Contains(t, body.String(), "tagsync_open_channels 1")
}

// openSignal reports when the consumer has handled the open event.
type openSignal struct {
	*consumer.Consumer
	opened chan struct{}
}

func (o *openSignal) HandleOpen() {
	o.Consumer.HandleOpen()
	select {
	case o.opened <- struct{}{}:
	default:
	}
}

func TestQuoteWorkflowEndToEnd(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/quote", map[string]any{
		"items": []types.QuoteItem{{ProductID: "p1", Quantity: 3}},
	}, env.token)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	q := decodeQuote(t, resp)

	tc, err := cache.NewTagCache(cache.DefaultOptions())
	require.NoError(t, err)
	defer tc.Close()
	c, err := consumer.New(tc, quote.NewHTTPFetcher(env.http.URL, env.token), consumer.DefaultOptions())
	require.NoError(t, err)
	defer c.Close()

	opened := make(chan struct{}, 1)
	env.connect(t, &openSignal{Consumer: c, opened: opened})
	env.waitChannels(t, 1)
	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not open")
	}

	opts := quote.DefaultOptions()
	opts.PollInterval = time.Hour
	w, err := quote.NewWorkflow(c, q.ID, opts)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.Eventually(t, func() bool {
		_, ok := w.Quote()
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	c.Wait()
	require.Equal(t, types.QuotePending, w.State())

	resp = env.do(t, http.MethodPost, "/quote/"+q.ID+"/price", map[string]any{"prices": []string{"7.50"}}, env.token)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case <-w.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("workflow did not observe the pushed price")
	}
	require.Equal(t, types.QuotePriced, w.State())
	require.Equal(t, 1, w.PollCancellations())
}
