package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hamcp/internal/auth"
	"hamcp/internal/homeassistant"
	"hamcp/internal/models"
)

type handlerFixture struct {
	handler  *Handler
	store    *auth.Store
	registry *Registry
}

func newFixture(t *testing.T, lenient bool, defaultCreds homeassistant.Credentials) *handlerFixture {
	t.Helper()

	store := auth.NewStore(nil, testLogger())
	t.Cleanup(store.Stop)

	registry := NewRegistry(store)
	catalog := NewCatalog(statesInvoker(), nil, testLogger())

	h := NewHandler(Config{
		Store:            store,
		Registry:         registry,
		Catalog:          catalog,
		Logger:           testLogger(),
		ServerURL:        "https://bridge.example",
		DefaultCreds:     defaultCreds,
		LenientDiscovery: lenient,
		Version:          "test",
	})

	return &handlerFixture{handler: h, store: store, registry: registry}
}

func defaultCreds() homeassistant.Credentials {
	return homeassistant.Credentials{Host: "https://ha.local", Token: "tok"}
}

func (f *handlerFixture) bearer(t *testing.T) string {
	t.Helper()
	tok := auth.RandomHex(16)
	f.store.SaveToken(&models.AccessToken{
		Token: tok, ClientID: "c1",
		CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}, nil)
	return tok
}

type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int            `json:"code"`
		Message string         `json:"message"`
		Data    map[string]any `json:"data"`
	} `json:"error"`
}

func (f *handlerFixture) post(t *testing.T, body string, header map[string]string) (*httptest.ResponseRecorder, rpcReply) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var reply rpcReply
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply), rec.Body.String())
	}
	return rec, reply
}

func TestDispatchParseError(t *testing.T) {
	f := newFixture(t, true, defaultCreds())

	_, reply := f.post(t, `{not json`, nil)
	require.NotNil(t, reply.Error)
	assert.Equal(t, codeParseError, reply.Error.Code)
}

func TestInitialize(t *testing.T) {
	f := newFixture(t, true, defaultCreds())

	rec, reply := f.post(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`, nil)

	require.Nil(t, reply.Error)
	assert.NotEmpty(t, rec.Header().Get(sessionHeader), "session id travels in the response header")

	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		Capabilities    struct {
			Tools struct {
				ListChanged bool `json:"listChanged"`
			} `json:"tools"`
		} `json:"capabilities"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	assert.Equal(t, protocolVersion, result.ProtocolVersion)
	assert.True(t, result.Capabilities.Tools.ListChanged)
}

func TestInitializeBearerSticksToSession(t *testing.T) {
	f := newFixture(t, true, defaultCreds())
	tok := f.bearer(t)

	rec, reply := f.post(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		map[string]string{"Authorization": "Bearer " + tok})
	require.Nil(t, reply.Error)
	sid := rec.Header().Get(sessionHeader)
	require.NotEmpty(t, sid)

	// Later calls on the same session pass auth without the header.
	_, reply = f.post(t, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"test_simple","arguments":{}}}`,
		map[string]string{sessionHeader: sid})
	require.Nil(t, reply.Error, "session authenticated at initialize must stay authenticated")
}

func TestToolsCallUnauthorized(t *testing.T) {
	f := newFixture(t, true, defaultCreds())

	rec, reply := f.post(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_lights","arguments":{}}}`, nil)

	require.NotNil(t, reply.Error)
	assert.Equal(t, codeUnauthorized, reply.Error.Code)
	assert.Equal(t, "https://bridge.example/.well-known/oauth-authorization-server",
		reply.Error.Data["auth_url"], "the error points the client at OAuth discovery")
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "oauth-protected-resource")
}

func TestToolsCallUnknownTool(t *testing.T) {
	f := newFixture(t, true, defaultCreds())
	tok := f.bearer(t)

	_, reply := f.post(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"make_coffee","arguments":{}}}`,
		map[string]string{"Authorization": "Bearer " + tok})

	require.Nil(t, reply.Error, "an unknown tool must not fail the transport envelope")

	var result struct {
		IsError bool `json:"isError"`
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	assert.True(t, result.IsError)
	require.NotEmpty(t, result.Content)
	assert.Contains(t, result.Content[0].Text, "unknown tool")
}

func TestToolsCallNoCredentials(t *testing.T) {
	f := newFixture(t, true, homeassistant.Credentials{})
	tok := f.bearer(t)

	_, reply := f.post(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_lights","arguments":{}}}`,
		map[string]string{"Authorization": "Bearer " + tok})

	require.Nil(t, reply.Error)

	var result struct {
		IsError bool `json:"isError"`
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content[0].Text, "no Home Assistant credentials")
}

func TestToolsCallInvalidParams(t *testing.T) {
	f := newFixture(t, true, defaultCreds())
	tok := f.bearer(t)

	_, reply := f.post(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`,
		map[string]string{"Authorization": "Bearer " + tok})

	require.NotNil(t, reply.Error)
	assert.Equal(t, codeInvalidParams, reply.Error.Code)
}

func TestToolsList(t *testing.T) {
	f := newFixture(t, true, defaultCreds())

	_, reply := f.post(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`, nil)
	require.Nil(t, reply.Error)

	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &result))

	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	assert.Contains(t, names, "get_entities")
	assert.Contains(t, names, "call_service")
}

func TestUnknownMethodLenient(t *testing.T) {
	f := newFixture(t, true, defaultCreds())

	_, reply := f.post(t, `{"jsonrpc":"2.0","id":1,"method":"tools/describe","params":{}}`, nil)

	require.Nil(t, reply.Error, "lenient mode answers unknown methods with tool discovery")
	assert.Contains(t, string(reply.Result), `"tools"`)
}

func TestUnknownMethodStrict(t *testing.T) {
	f := newFixture(t, false, defaultCreds())

	_, reply := f.post(t, `{"jsonrpc":"2.0","id":1,"method":"tools/describe","params":{}}`, nil)

	require.NotNil(t, reply.Error)
	assert.Equal(t, codeMethodNotFound, reply.Error.Code)
	assert.Contains(t, reply.Error.Message, "tools/describe")
}

func TestPromptsListStrict(t *testing.T) {
	f := newFixture(t, false, defaultCreds())

	_, reply := f.post(t, `{"jsonrpc":"2.0","id":1,"method":"prompts/list","params":{}}`, nil)
	require.Nil(t, reply.Error)
	assert.JSONEq(t, `{"prompts":[]}`, string(reply.Result))
}

func TestNotificationInitialized(t *testing.T) {
	f := newFixture(t, true, defaultCreds())

	rec, _ := f.post(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Zero(t, rec.Body.Len(), "notifications get no body")
}

func TestPing(t *testing.T) {
	f := newFixture(t, true, defaultCreds())

	_, reply := f.post(t, `{"jsonrpc":"2.0","id":7,"method":"ping"}`, nil)
	require.Nil(t, reply.Error)
	assert.JSONEq(t, `{}`, string(reply.Result))
}

func TestServerInfo(t *testing.T) {
	f := newFixture(t, true, defaultCreds())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var info map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, protocolVersion, info["protocolVersion"])
	assert.Equal(t, "https://bridge.example/.well-known/oauth-authorization-server", info["authorization"])
}

func TestDeleteKeepsSession(t *testing.T) {
	f := newFixture(t, true, defaultCreds())

	sess := f.registry.Obtain("")
	require.True(t, f.registry.ClaimBroadcast(sess.ID))

	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	req.Header.Set(sessionHeader, sess.ID)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "session released")

	// Only the broadcast tracking is gone; the session itself survives.
	assert.NotNil(t, f.registry.Get(sess.ID))
	assert.True(t, f.registry.ClaimBroadcast(sess.ID))
}

// --- streaming channel ---

// openStream connects an SSE stream and returns the session id plus a
// channel of raw lines.
func openStream(t *testing.T, srv *httptest.Server, sid string) (string, <-chan string, context.CancelFunc) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	if sid != "" {
		req.Header.Set(sessionHeader, sid)
	}

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	gotSID := resp.Header.Get(sessionHeader)
	require.NotEmpty(t, gotSID)

	lines := make(chan string, 64)
	go func() {
		defer resp.Body.Close()
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	return gotSID, lines, cancel
}

// waitForLine waits until a line containing substr arrives or the
// timeout passes.
func waitForLine(lines <-chan string, substr string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return false
			}
			if strings.Contains(line, substr) {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

func TestStreamBroadcastOncePerSession(t *testing.T) {
	f := newFixture(t, true, defaultCreds())
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	// First connect: the tool broadcast arrives shortly after entry.
	sid, lines, cancel := openStream(t, srv, "")
	require.True(t, waitForLine(lines, "notifications/tools/list_changed", 3*time.Second),
		"first stream gets the unsolicited tool broadcast")
	cancel()

	// Reconnect with the same session id: no duplicate broadcast.
	gotSID, lines, cancel := openStream(t, srv, sid)
	assert.Equal(t, sid, gotSID)
	assert.False(t, waitForLine(lines, "notifications/tools/list_changed", 2*time.Second),
		"a reconnecting stream must not re-broadcast")
	cancel()

	// DELETE releases the broadcast state; the next stream broadcasts again.
	req, err := http.NewRequest(http.MethodDelete, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set(sessionHeader, sid)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	_, lines, cancel = openStream(t, srv, sid)
	defer cancel()
	assert.True(t, waitForLine(lines, "notifications/tools/list_changed", 3*time.Second),
		"after an explicit release the broadcast is re-armed")
}
