package central

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"kepler-edge-go/internal/config"
	"kepler-edge-go/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := &config.Config{
		CameraID:       "camera_1",
		CameraName:     "Front Door Camera",
		CameraLocation: "Main Entrance",
		CentralURL:     srv.URL + "/api/v1/",
		NetworkTimeout: 2 * time.Second,
	}
	return New(cfg, zerolog.Nop())
}

func TestRegister(t *testing.T) {
	var got registerRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/cameras/register" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ua := r.Header.Get("User-Agent"); ua != "KeplerEdge/camera_1" {
			t.Errorf("User-Agent = %q", ua)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	})

	if err := c.Register(context.Background()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if got.CameraID != "camera_1" || got.Name != "Front Door Camera" || got.Status != models.CameraStatusOnline {
		t.Errorf("payload = %+v", got)
	}
	if !c.Registered() {
		t.Error("Registered() = false after success")
	}
}

func TestRegisterForeverUsesDelaySchedule(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 6 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) bool {
		slept = append(slept, d)
		return true
	}

	if !c.RegisterForever(context.Background()) {
		t.Fatal("RegisterForever() = false")
	}
	want := []time.Duration{5 * time.Second, 10 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second}
	if len(slept) != len(want) {
		t.Fatalf("slept %v, want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Fatalf("slept %v, want %v", slept, want)
		}
	}
}

func TestRegisterForeverStopsOnCancel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(context.Context, time.Duration) bool {
		cancel()
		return false
	}
	if c.RegisterForever(ctx) {
		t.Fatal("RegisterForever() = true with a failing server")
	}
}

func TestNotifyArtifact(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"created", http.StatusCreated, false},
		{"ok", http.StatusOK, false},
		{"already recorded", http.StatusConflict, false},
		{"server error", http.StatusBadGateway, true},
		{"bad request", http.StatusBadRequest, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got models.Notification
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPut || r.URL.Path != "/api/v1/events/evt_20240501T080010.000Z" {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				json.NewDecoder(r.Body).Decode(&got)
				w.WriteHeader(tt.status)
			})
			n := models.Notification{
				CameraID:   "camera_1",
				ArtifactID: "evt_20240501T080010.000Z",
				Timestamp:  time.Date(2024, 5, 1, 8, 0, 10, 0, time.UTC),
				RemotePath: "/mnt/nfs_share/camera_1/videos/evt_20240501T080010.000Z.mp4",
			}
			err := c.NotifyArtifact(context.Background(), n)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NotifyArtifact() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got.ArtifactID != n.ArtifactID || got.RemotePath != n.RemotePath {
				t.Errorf("payload = %+v", got)
			}
		})
	}
}

func TestNotifyArtifactTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.NotifyArtifact(ctx, models.Notification{ArtifactID: "evt_1"}); err == nil {
		t.Fatal("NotifyArtifact() succeeded against a hung server")
	}
}

func TestHealth(t *testing.T) {
	for status, wantErr := range map[string]bool{"healthy": false, "degraded": true} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"status": status})
		})
		if err := c.Health(context.Background()); (err != nil) != wantErr {
			t.Errorf("Health() with status %q error = %v", status, err)
		}
	}
}

func TestShipLogs(t *testing.T) {
	var got []models.LogEntry
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/logs" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
	})
	entries := []models.LogEntry{{Level: "info", Message: "Artifact delivered", Service: "transfer"}}
	if err := c.ShipLogs(context.Background(), entries); err != nil {
		t.Fatalf("ShipLogs() error = %v", err)
	}
	if len(got) != 1 || got[0].Message != "Artifact delivered" {
		t.Errorf("received %+v", got)
	}
	if err := c.ShipLogs(context.Background(), nil); err != nil {
		t.Errorf("ShipLogs(nil) error = %v", err)
	}
}
