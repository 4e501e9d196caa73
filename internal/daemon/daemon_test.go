package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/dealroom/internal/admin"
	"github.com/matheus3301/dealroom/internal/chat"
	"github.com/matheus3301/dealroom/internal/config"
	"github.com/matheus3301/dealroom/internal/conversation"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func testConfig(t *testing.T) config.Server {
	t.Helper()
	// Use /tmp for short socket paths (macOS 104-char limit).
	dir, err := os.MkdirTemp("/tmp", "dealroomd-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	cfg := config.DefaultServer()
	cfg.Server.Env = "test"
	cfg.Server.HTTPAddr = freeAddr(t)
	cfg.Server.AdminSocket = filepath.Join(dir, "d.sock")
	cfg.Store.SQLitePath = filepath.Join(dir, "dealroom.db")
	cfg.Listings = []config.Listing{{ID: "42", OwnerID: "seller@y", Title: "Civic 2019"}}
	return cfg
}

func TestDaemonLifecycle(t *testing.T) {
	cfg := testConfig(t)
	var svc *chat.Service
	app := fxtest.New(t,
		Module(Params{Config: cfg, Logger: zap.NewNop()}),
		fx.Populate(&svc),
	)
	app.RequireStart()

	resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz = %d", resp.StatusCode)
	}

	res, err := svc.Start(context.Background(), chat.Identity{ParticipantID: "buyer@x", Role: chat.RoleParticipant},
		chat.StartRequest{SubjectID: "42", InitialMessage: "still available?"})
	if err != nil {
		t.Fatalf("start via wired service: %v", err)
	}
	if res.Conversation.ParticipantB != "seller@y" {
		t.Errorf("catalog not wired: %+v", res.Conversation)
	}

	c, err := admin.Dial(cfg.Server.AdminSocket)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := c.Check(context.Background(), "")
		if err == nil && st == healthpb.HealthCheckResponse_SERVING {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("health = %v, %v", st, err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	app.RequireStop()
	if _, err := os.Stat(cfg.Server.AdminSocket); !os.IsNotExist(err) {
		t.Errorf("admin socket not removed: %v", err)
	}
}

func TestFxModuleWiringMemoryBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = config.BackendMemory
	var st conversation.Store
	app := fxtest.New(t, Module(Params{Config: cfg, Logger: zap.NewNop()}), fx.Populate(&st))
	app.RequireStart()
	if err := st.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}
	app.RequireStop()
}

func TestOpenStoreRejectsUnknownBackend(t *testing.T) {
	_, err := openStore(context.Background(), config.StoreSection{Backend: "redis"}, zap.NewNop())
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestCatalogFromListings(t *testing.T) {
	cfg := config.DefaultServer()
	for i := range 3 {
		cfg.Listings = append(cfg.Listings, config.Listing{ID: fmt.Sprint(i), OwnerID: "owner", Title: "t", PriceCents: int64(i * 100)})
	}
	cat := provideCatalog(Params{Config: cfg})
	s, err := cat.Lookup(context.Background(), "2")
	if err != nil {
		t.Fatal(err)
	}
	if s.OwnerID != "owner" || s.PriceCents != 200 {
		t.Errorf("subject = %+v", s)
	}
}
