package nzbget

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfarr/shelfarr/internal/config"
	"github.com/shelfarr/shelfarr/internal/testutil"
)

// rpcCall captures one JSON-RPC request for assertions.
type rpcCall struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// fakeServer is a scriptable NZBGet JSON-RPC endpoint.
type fakeServer struct {
	t        *testing.T
	mux      *http.ServeMux
	server   *httptest.Server
	handlers map[string]func(params []any) (any, *rpcError)
	calls    []rpcCall
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{
		t:        t,
		mux:      http.NewServeMux(),
		handlers: make(map[string]func(params []any) (any, *rpcError)),
	}
	fs.mux.HandleFunc("/jsonrpc", fs.handleRPC)
	fs.server = httptest.NewServer(fs.mux)
	t.Cleanup(fs.server.Close)
	return fs
}

func (fs *fakeServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	var call rpcCall
	require.NoError(fs.t, json.NewDecoder(r.Body).Decode(&call))
	fs.calls = append(fs.calls, call)

	handler, ok := fs.handlers[call.Method]
	if !ok {
		http.Error(w, "unknown method", http.StatusBadRequest)
		return
	}

	result, rpcErr := handler(call.Params)
	resp := map[string]any{"jsonrpc": "2.0", "id": 1}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	require.NoError(fs.t, json.NewEncoder(w).Encode(resp))
}

func (fs *fakeServer) on(method string, handler func(params []any) (any, *rpcError)) {
	fs.handlers[method] = handler
}

func (fs *fakeServer) client(t *testing.T) *Client {
	t.Helper()
	c, err := New(config.NZBGetConfig{
		URL:      fs.server.URL,
		Username: "nzbget",
		Password: "secret",
		Timeout:  5 * time.Second,
	}, testutil.DiscardLogger())
	require.NoError(t, err)
	return c
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New(config.NZBGetConfig{}, testutil.DiscardLogger())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestTestConnection(t *testing.T) {
	fs := newFakeServer(t)
	fs.on("status", func([]any) (any, *rpcError) {
		return map[string]any{"Version": "21.1"}, nil
	})

	ok, msg := fs.client(t).TestConnection(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "Connected to NZBGet 21.1", msg)
}

func TestTestConnection_ConnectionRefused(t *testing.T) {
	c, err := New(config.NZBGetConfig{
		URL:     "http://127.0.0.1:1",
		Timeout: 2 * time.Second,
	}, testutil.DiscardLogger())
	require.NoError(t, err)

	ok, msg := c.TestConnection(context.Background())
	assert.False(t, ok)
	assert.Equal(t, "Could not connect to NZBGet", msg)
}

func TestTestConnection_RPCError(t *testing.T) {
	fs := newFakeServer(t)
	fs.on("status", func([]any) (any, *rpcError) {
		return nil, &rpcError{Code: 401, Message: "Access denied"}
	})

	ok, msg := fs.client(t).TestConnection(context.Background())
	assert.False(t, ok)
	assert.Contains(t, msg, "Access denied")
}

func TestAdd(t *testing.T) {
	fs := newFakeServer(t)
	nzbContent := []byte("<nzb>metafile</nzb>")
	fs.mux.HandleFunc("/release.nzb", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(nzbContent)
	})

	var appendParams []any
	fs.on("append", func(params []any) (any, *rpcError) {
		appendParams = params
		return 42, nil
	})

	id, err := fs.client(t).Add(context.Background(), fs.server.URL+"/release.nzb", "Stormlight", "")
	require.NoError(t, err)
	assert.Equal(t, "42", id)

	// The append method requires all ten parameters.
	require.Len(t, appendParams, 10)
	assert.Equal(t, "Stormlight.nzb", appendParams[0])

	decoded, err := base64.StdEncoding.DecodeString(appendParams[1].(string))
	require.NoError(t, err)
	assert.Equal(t, nzbContent, decoded)

	assert.Equal(t, "Books", appendParams[2]) // configured default category
	assert.Equal(t, float64(0), appendParams[3])
	assert.Equal(t, false, appendParams[4])
	assert.Equal(t, false, appendParams[5])
	assert.Equal(t, "", appendParams[6])
	assert.Equal(t, float64(0), appendParams[7])
	assert.Equal(t, "SCORE", appendParams[8])
	assert.Equal(t, []any{}, appendParams[9])
}

func TestAdd_KeepsNZBExtension(t *testing.T) {
	fs := newFakeServer(t)
	fs.mux.HandleFunc("/r.nzb", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("x"))
	})

	var filename string
	fs.on("append", func(params []any) (any, *rpcError) {
		filename = params[0].(string)
		return 7, nil
	})

	_, err := fs.client(t).Add(context.Background(), fs.server.URL+"/r.nzb", "release.nzb", "Audiobooks")
	require.NoError(t, err)
	assert.Equal(t, "release.nzb", filename)
}

func TestAdd_FollowsRedirects(t *testing.T) {
	fs := newFakeServer(t)
	fs.mux.HandleFunc("/proxy", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/real.nzb", http.StatusFound)
	})
	fs.mux.HandleFunc("/real.nzb", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("redirected content"))
	})

	var encoded string
	fs.on("append", func(params []any) (any, *rpcError) {
		encoded = params[1].(string)
		return 9, nil
	})

	_, err := fs.client(t).Add(context.Background(), fs.server.URL+"/proxy", "book", "")
	require.NoError(t, err)

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.Equal(t, "redirected content", string(decoded))
}

func TestAdd_InvalidID(t *testing.T) {
	fs := newFakeServer(t)
	fs.mux.HandleFunc("/r.nzb", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("x"))
	})
	fs.on("append", func([]any) (any, *rpcError) {
		return 0, nil
	})

	_, err := fs.client(t).Add(context.Background(), fs.server.URL+"/r.nzb", "book", "")
	assert.Error(t, err)
}

func TestStatus_ActiveDownload(t *testing.T) {
	fs := newFakeServer(t)
	fs.on("listgroups", func([]any) (any, *rpcError) {
		return []map[string]any{{
			"NZBID":           42,
			"Status":          "DOWNLOADING",
			"FileSizeHi":      1, // 4 GiB
			"FileSizeLo":      0,
			"RemainingSizeHi": 0,
			"RemainingSizeLo": 1 << 31, // 2 GiB remaining
			"DownloadRate":    1048576,
			"RemainingSec":    120,
		}}, nil
	})

	status := fs.client(t).Status(context.Background(), "42")
	assert.Equal(t, StateDownloading, status.State)
	assert.InDelta(t, 50.0, status.Progress, 0.01)
	assert.Equal(t, "Downloading", status.Message)
	assert.False(t, status.Complete)
	assert.Equal(t, int64(1048576), status.DownloadSpeed)
	assert.Equal(t, int64(120), status.ETA)
}

func TestStatus_StateMapping(t *testing.T) {
	tests := []struct {
		nzbStatus string
		want      State
	}{
		{"DOWNLOADING", StateDownloading},
		{"PAUSED", StatePaused},
		{"QUEUED", StateQueued},
		{"PP_POST-PROCESSING", StateProcessing},
		{"UNPACKING", StateProcessing},
		{"SOMETHING_ELSE", StateUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.nzbStatus, func(t *testing.T) {
			fs := newFakeServer(t)
			fs.on("listgroups", func([]any) (any, *rpcError) {
				return []map[string]any{{"NZBID": 1, "Status": tt.nzbStatus}}, nil
			})
			status := fs.client(t).Status(context.Background(), "1")
			assert.Equal(t, tt.want, status.State)
		})
	}
}

func TestStatus_CompletedPrefersFinalDir(t *testing.T) {
	fs := newFakeServer(t)
	fs.on("listgroups", func([]any) (any, *rpcError) {
		return []map[string]any{}, nil
	})
	fs.on("history", func([]any) (any, *rpcError) {
		return []map[string]any{{
			"NZBID":    42,
			"Status":   "SUCCESS/ALL",
			"DestDir":  "/downloads/intermediate",
			"FinalDir": "/downloads/complete/Books",
		}}, nil
	})

	status := fs.client(t).Status(context.Background(), "42")
	assert.Equal(t, StateComplete, status.State)
	assert.True(t, status.Complete)
	assert.Equal(t, float64(100), status.Progress)
	assert.Equal(t, "/downloads/complete/Books", status.FilePath)
}

func TestStatus_CompletedFallsBackToDestDir(t *testing.T) {
	fs := newFakeServer(t)
	fs.on("listgroups", func([]any) (any, *rpcError) {
		return []map[string]any{}, nil
	})
	fs.on("history", func([]any) (any, *rpcError) {
		return []map[string]any{{
			"NZBID":   42,
			"Status":  "SUCCESS/HEALTH",
			"DestDir": "/downloads/intermediate",
		}}, nil
	})

	status := fs.client(t).Status(context.Background(), "42")
	assert.Equal(t, "/downloads/intermediate", status.FilePath)
}

func TestStatus_FailedDownload(t *testing.T) {
	fs := newFakeServer(t)
	fs.on("listgroups", func([]any) (any, *rpcError) {
		return []map[string]any{}, nil
	})
	fs.on("history", func([]any) (any, *rpcError) {
		return []map[string]any{{"NZBID": 42, "Status": "FAILURE/PAR"}}, nil
	})

	status := fs.client(t).Status(context.Background(), "42")
	assert.Equal(t, StateError, status.State)
	assert.True(t, status.Complete)
	assert.Contains(t, status.Message, "FAILURE/PAR")
	assert.Empty(t, status.FilePath)
}

func TestStatus_NotFound(t *testing.T) {
	fs := newFakeServer(t)
	fs.on("listgroups", func([]any) (any, *rpcError) { return []map[string]any{}, nil })
	fs.on("history", func([]any) (any, *rpcError) { return []map[string]any{}, nil })

	status := fs.client(t).Status(context.Background(), "42")
	assert.Equal(t, StateError, status.State)
	assert.Equal(t, "Download not found", status.Message)
}

func TestRemove_DeleteFilesCommandLadder(t *testing.T) {
	fs := newFakeServer(t)
	fs.on("editqueue", func(params []any) (any, *rpcError) {
		// Older servers reject the *FinalDelete commands.
		if params[0] == "HistoryDelete" {
			return true, nil
		}
		return nil, &rpcError{Code: 1, Message: "unknown command"}
	})

	ok := fs.client(t).Remove(context.Background(), "42", true)
	assert.True(t, ok)

	var commands []string
	for _, call := range fs.calls {
		commands = append(commands, call.Params[0].(string))
	}
	assert.Equal(t, []string{"GroupFinalDelete", "HistoryFinalDelete", "HistoryDelete"}, commands)
}

func TestRemove_KeepFilesCommandLadder(t *testing.T) {
	fs := newFakeServer(t)
	fs.on("editqueue", func(params []any) (any, *rpcError) {
		return params[0] == "GroupDelete", nil
	})

	ok := fs.client(t).Remove(context.Background(), "42", false)
	assert.True(t, ok)
	assert.Equal(t, "GroupDelete", fs.calls[0].Params[0])
	assert.Len(t, fs.calls, 1) // first success wins
}

func TestRemove_AllCommandsFail(t *testing.T) {
	fs := newFakeServer(t)
	fs.on("editqueue", func([]any) (any, *rpcError) {
		return nil, &rpcError{Code: 1, Message: "nope"}
	})

	assert.False(t, fs.client(t).Remove(context.Background(), "42", true))
}

func TestRemove_InvalidID(t *testing.T) {
	fs := newFakeServer(t)
	assert.False(t, fs.client(t).Remove(context.Background(), "not-a-number", false))
}
