package proxmox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/proxbal/proxbal/internal/config"
	"github.com/proxbal/proxbal/internal/domain"
)

func testAPIConfig(server *httptest.Server) config.APIConfig {
	return config.APIConfig{
		Hosts:           []string{strings.TrimPrefix(server.URL, "https://")},
		User:            "balancer@pve",
		TokenID:         "proxbal",
		TokenSecret:     "secret",
		SSLVerification: false,
		Timeout:         5,
		Retries:         1,
		WaitTime:        0,
	}
}

func writeData(w http.ResponseWriter, data any) {
	json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func TestClient_TokenHeader(t *testing.T) {
	var gotAuth atomic.Value
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		writeData(w, VersionInfo{Version: "8.4.1"})
	}))
	defer server.Close()

	client := NewClient(testAPIConfig(server), zap.NewNop())
	require.NoError(t, client.Connect(context.Background()))

	_, err := client.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "PVEAPIToken=balancer@pve!proxbal=secret", gotAuth.Load())
}

func TestClient_PasswordTicketLogin(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api2/json/access/ticket":
			writeData(w, map[string]string{
				"ticket":              "PVE:ticket",
				"CSRFPreventionToken": "csrf-token",
			})
		case "/api2/json/nodes":
			cookie, err := r.Cookie("PVEAuthCookie")
			if err != nil || cookie.Value != "PVE:ticket" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			writeData(w, []NodeStatus{{Node: "pve1", Status: "online"}})
		default:
			writeData(w, VersionInfo{Version: "8.4.1"})
		}
	}))
	defer server.Close()

	cfg := testAPIConfig(server)
	cfg.TokenID, cfg.TokenSecret = "", ""
	cfg.Pass = "hunter2"

	client := NewClient(cfg, zap.NewNop())
	require.NoError(t, client.Connect(context.Background()))

	nodes, err := client.ListNodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "pve1", nodes[0].Node)
}

func TestClient_EndpointFallback(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeData(w, VersionInfo{Version: "8.4.1"})
	}))
	defer server.Close()

	cfg := testAPIConfig(server)
	// A dead endpoint first; the client must move on to the live one.
	cfg.Hosts = append([]string{"127.0.0.1:1"}, cfg.Hosts...)

	client := NewClient(cfg, zap.NewNop())
	require.NoError(t, client.Connect(context.Background()))
	assert.NotEqual(t, 1, client.Endpoint().Port)
}

func TestClient_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api2/json/nodes" && calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if r.URL.Path == "/api2/json/nodes" {
			writeData(w, []NodeStatus{{Node: "pve1", Status: "online"}})
			return
		}
		writeData(w, VersionInfo{Version: "8.4.1"})
	}))
	defer server.Close()

	client := NewClient(testAPIConfig(server), zap.NewNop())
	require.NoError(t, client.Connect(context.Background()))

	nodes, err := client.ListNodes(context.Background())
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_ExhaustedRetriesReturnTransportError(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api2/json/nodes" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeData(w, VersionInfo{Version: "8.4.1"})
	}))
	defer server.Close()

	client := NewClient(testAPIConfig(server), zap.NewNop())
	require.NoError(t, client.Connect(context.Background()))

	_, err := client.ListNodes(context.Background())
	var transportErr *domain.TransportError
	require.ErrorAs(t, err, &transportErr)
}

func TestClient_AuthErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api2/json/nodes" {
			calls.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeData(w, VersionInfo{Version: "8.4.1"})
	}))
	defer server.Close()

	client := NewClient(testAPIConfig(server), zap.NewNop())
	require.NoError(t, client.Connect(context.Background()))

	_, err := client.ListNodes(context.Background())
	var authErr *domain.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, int32(1), calls.Load(), "credential rejections are final")
}

func TestClient_MigrateDispatch(t *testing.T) {
	var form atomic.Value
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/qemu/101/migrate") {
			r.ParseForm()
			form.Store(r.PostForm.Encode())
			writeData(w, "UPID:pve1:00001234:0000ABCD:65F00000:qmigrate:101:root@pam:")
			return
		}
		writeData(w, VersionInfo{Version: "9.0.3"})
	}))
	defer server.Close()

	client := NewClient(testAPIConfig(server), zap.NewNop())
	require.NoError(t, client.Connect(context.Background()))

	handle, err := client.Migrate(context.Background(), MigrateRequest{
		Kind:               domain.GuestVM,
		ID:                 101,
		Node:               "pve1",
		Target:             "pve2",
		Online:             true,
		WithLocalDisks:     true,
		WithConntrackState: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "pve1", handle.Node)
	assert.Contains(t, handle.UPID, "qmigrate")

	sent := form.Load().(string)
	assert.Contains(t, sent, "target=pve2")
	assert.Contains(t, sent, "online=1")
	assert.Contains(t, sent, "with-local-disks=1")
	assert.Contains(t, sent, "with-conntrack-state=1")
}

func TestClient_ContainerMigrateUsesRestart(t *testing.T) {
	var form atomic.Value
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/lxc/202/migrate") {
			r.ParseForm()
			form.Store(r.PostForm.Encode())
			writeData(w, "UPID:pve1:00001234:0000ABCD:65F00000:vzmigrate:202:root@pam:")
			return
		}
		writeData(w, VersionInfo{Version: "8.4.1"})
	}))
	defer server.Close()

	client := NewClient(testAPIConfig(server), zap.NewNop())
	require.NoError(t, client.Connect(context.Background()))

	_, err := client.Migrate(context.Background(), MigrateRequest{
		Kind:   domain.GuestCT,
		ID:     202,
		Node:   "pve1",
		Target: "pve2",
	})
	require.NoError(t, err)

	sent := form.Load().(string)
	assert.Contains(t, sent, "restart=1")
	assert.NotContains(t, sent, "online")
}

func TestClient_ListPools(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api2/json/pools":
			writeData(w, []map[string]string{{"poolid": "web"}})
		case "/api2/json/pools/web":
			writeData(w, map[string]any{
				"members": []map[string]any{
					{"vmid": 101, "type": "qemu"},
					{"vmid": 102, "type": "lxc"},
					{"vmid": 0, "type": "storage"},
				},
			})
		default:
			writeData(w, VersionInfo{Version: "8.4.1"})
		}
	}))
	defer server.Close()

	client := NewClient(testAPIConfig(server), zap.NewNop())
	require.NoError(t, client.Connect(context.Background()))

	pools, err := client.ListPools(context.Background())
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, "web", pools[0].ID)
	assert.Equal(t, []int{101, 102}, pools[0].Members)
}

func TestClient_GuestRRDQuery(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/rrddata") {
			assert.Equal(t, "hour", r.URL.Query().Get("timeframe"))
			assert.Equal(t, "AVERAGE", r.URL.Query().Get("cf"))
			writeData(w, []RRDSample{{CPU: 0.5}, {CPU: 0.3}})
			return
		}
		writeData(w, VersionInfo{Version: "8.4.1"})
	}))
	defer server.Close()

	client := NewClient(testAPIConfig(server), zap.NewNop())
	require.NoError(t, client.Connect(context.Background()))

	samples, err := client.GuestRRD(context.Background(), "pve1", domain.GuestVM, 101, "AVERAGE")
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.Equal(t, Float64(0.5), samples[0].CPU)
}

func TestClient_BadTokenIDRejectedByConfig(t *testing.T) {
	cfg := &config.Config{
		ProxmoxAPI: config.APIConfig{
			Hosts:   []string{"pve1"},
			User:    "balancer@pve",
			TokenID: "balancer@pve!proxbal",
		},
		Balancing: config.Balancing{
			Method: "memory", Mode: "used", BalanceTypes: []string{"vm"}, ParallelJobs: 1,
		},
		Service: config.Service{LogLevel: "INFO"},
	}
	cfg.ProxmoxAPI.TokenSecret = "s"
	err := cfg.Validate()
	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "token_id")
}
