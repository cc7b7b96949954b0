package daemon

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/matheus3301/carchat/internal/api"
	"github.com/matheus3301/carchat/internal/lock"
	"github.com/matheus3301/carchat/internal/protocol"
	"github.com/matheus3301/carchat/internal/store"
)

// backend serves the REST API and the realtime socket. Only the "good"
// token is accepted.
func backend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"c1","participants":["u1","u2"],"unreadCount":0}]`))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		if err := wsjson.Write(ctx, c, protocol.Envelope{Event: protocol.EventAuthenticated, Data: []byte(`{"userId":"u1"}`)}); err != nil {
			return
		}
		for {
			var env protocol.Envelope
			if err := wsjson.Read(ctx, c, &env); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// testParams lays out a profile in a short /tmp path (104-char Unix socket
// limit on macOS) with a config pointing at srv.
func testParams(t *testing.T, srv *httptest.Server) Params {
	t.Helper()
	tmpDir, err := os.MkdirTemp("/tmp", "carchat-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	cfgPath := filepath.Join(tmpDir, "config.toml")
	cfg := fmt.Sprintf("[api]\nbase_url = %q\n\n[realtime]\nendpoint = %q\nreconnect_base_delay = \"10ms\"\nreconnect_max_delay = \"20ms\"\n\n[log]\nlevel = \"error\"\n",
		srv.URL, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0600); err != nil {
		t.Fatal(err)
	}
	return Params{Profile: "test", Dir: filepath.Join(tmpDir, "p"), ConfigPath: cfgPath}
}

func dial(t *testing.T, p Params) *api.Client {
	t.Helper()
	c, err := api.NewClient(p.socketPath())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDaemonLoginAndConversations(t *testing.T) {
	p := testParams(t, backend(t))
	app := fxtest.New(t, Module(p))
	app.RequireStart()
	defer app.RequireStop()

	c := dial(t, p)
	ctx := context.Background()

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.State != "DISCONNECTED" || st.LoggedIn {
		t.Fatalf("initial status = %+v, want logged out and disconnected", st)
	}

	if _, err := c.Login(ctx, "good"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	waitFor(t, "connected", func() bool {
		st, err := c.Status(ctx)
		return err == nil && st.State == "CONNECTED" && st.UserID == "u1"
	})

	waitFor(t, "lock identity", func() bool {
		h, err := lock.Read(p.dir())
		return err == nil && h.Identity == "u1"
	})

	list, err := c.Conversations(ctx, true)
	if err != nil {
		t.Fatalf("Conversations() error = %v", err)
	}
	if len(list.Conversations) != 1 || list.Conversations[0].ID != "c1" {
		t.Errorf("conversations = %+v", list.Conversations)
	}

	info, err := os.Stat(p.socketPath())
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("socket permission = %o, want 0600", perm)
	}
}

func TestDaemonRejectedCredentialEndsSession(t *testing.T) {
	p := testParams(t, backend(t))

	// Seed a stale token as if left by an earlier run.
	if err := os.MkdirAll(p.dir(), 0700); err != nil {
		t.Fatal(err)
	}
	db, err := store.Open(filepath.Join(p.dir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveCredential("expired"); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	app := fxtest.New(t, Module(p))
	app.RequireStart()
	defer app.RequireStop()

	c := dial(t, p)
	waitFor(t, "credential cleared", func() bool {
		st, err := c.Status(context.Background())
		return err == nil && !st.LoggedIn && st.State == "DISCONNECTED"
	})
}

func TestSecondDaemonRefusesLockedProfile(t *testing.T) {
	p := testParams(t, backend(t))
	first := fxtest.New(t, Module(p))
	first.RequireStart()
	defer first.RequireStop()

	second := fx.New(Module(p), fx.NopLogger)
	if err := second.Start(context.Background()); err == nil {
		_ = second.Stop(context.Background())
		t.Fatal("second daemon started on a locked profile")
	}
}

// TestFxModuleWiring verifies the fx dependency graph resolves without errors.
func TestFxModuleWiring(t *testing.T) {
	p := testParams(t, backend(t))
	if err := fx.ValidateApp(Module(p)); err != nil {
		t.Fatalf("ValidateApp() error = %v", err)
	}
}
