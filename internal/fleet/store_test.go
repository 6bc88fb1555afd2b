package fleet

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/signalfleet/signalfleet/internal/store"
	"github.com/signalfleet/signalfleet/pkg/models"
	"github.com/signalfleet/signalfleet/pkg/plugin"
)

func testModule(t *testing.T) *Module {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	m := New()
	deps := plugin.Dependencies{
		Logger: zap.NewNop(),
		Store:  st,
	}
	if err := m.Init(context.Background(), deps); err != nil {
		t.Fatalf("init fleet module: %v", err)
	}
	return m
}

func registerTestDevice(t *testing.T, m *Module, id string) *models.Device {
	t.Helper()
	d, _, err := m.Register(context.Background(), &RegisterRequest{
		DeviceID:   id,
		ServerURL:  "http://10.0.0.5:5000",
		AppVersion: "1.0.0",
	})
	if err != nil {
		t.Fatalf("register device: %v", err)
	}
	return d
}

func TestRegisterIsIdempotent(t *testing.T) {
	m := testModule(t)
	ctx := context.Background()

	d1, created, err := m.Register(ctx, &RegisterRequest{DeviceID: "rpi-01", AppVersion: "1.0.0"})
	if err != nil {
		t.Fatalf("first register: %v", err)
	}
	if !created {
		t.Error("first register should create the device")
	}
	if d1.DisplayName != "ADS-Display-rpi-01" {
		t.Errorf("display name = %q, want ADS-Display-rpi-01", d1.DisplayName)
	}
	if len(d1.Capabilities) == 0 {
		t.Error("expected default capabilities")
	}

	d2, created, err := m.Register(ctx, &RegisterRequest{DeviceID: "rpi-01", AppVersion: "1.1.0"})
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if created {
		t.Error("second register must not create a new device")
	}
	if d2.AppVersion != "1.1.0" {
		t.Errorf("app_version = %q, want refreshed 1.1.0", d2.AppVersion)
	}
	if diff := d2.RegisteredAt.Sub(d1.RegisteredAt); diff < -time.Second || diff > time.Second {
		t.Error("registered_at must survive re-registration")
	}

	devices, err := m.Devices(ctx)
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("device count = %d, want 1", len(devices))
	}
}

func TestReregistrationPreservesOperatorFields(t *testing.T) {
	m := testModule(t)
	ctx := context.Background()
	registerTestDevice(t, m, "rpi-02")

	name := "Lobby Screen"
	if err := m.store.UpdateMetadata(ctx, "rpi-02", &name, nil, nil, []string{"lobby"}); err != nil {
		t.Fatalf("update metadata: %v", err)
	}
	cfg := models.DefaultDeviceConfig()
	cfg.DefaultVolume = 40
	if err := m.store.UpdateConfig(ctx, "rpi-02", cfg); err != nil {
		t.Fatalf("update config: %v", err)
	}
	if err := m.wifi.Configure(ctx, "rpi-02", models.NetworkConfig{SSID: "StoreNet", Credential: "s3cret"}, "admin"); err != nil {
		t.Fatalf("configure wifi: %v", err)
	}

	d, _, err := m.Register(ctx, &RegisterRequest{
		DeviceID:    "rpi-02",
		DisplayName: "device-chosen-name",
		AppVersion:  "2.0.0",
	})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if d.DisplayName != "Lobby Screen" {
		t.Errorf("display_name = %q, operator name must survive", d.DisplayName)
	}
	if d.Config.DefaultVolume != 40 {
		t.Errorf("default_volume = %d, operator config must survive", d.Config.DefaultVolume)
	}
	if d.Network == nil || d.Network.SSID != "StoreNet" || d.Network.Credential != "s3cret" {
		t.Error("server-managed wifi config must survive re-registration")
	}
	if !containsTag(d.Tags, "lobby") {
		t.Error("operator tags must survive re-registration")
	}
}

func TestReregistrationKeepsMaintenance(t *testing.T) {
	m := testModule(t)
	ctx := context.Background()
	registerTestDevice(t, m, "rpi-03")

	if err := m.store.SetStatus(ctx, "rpi-03", models.StatusMaintenance); err != nil {
		t.Fatalf("set maintenance: %v", err)
	}

	// A reboot re-registers the device. That must not lift maintenance;
	// only the operator does.
	d, _, err := m.Register(ctx, &RegisterRequest{DeviceID: "rpi-03", AppVersion: "1.2.0"})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if d.Status != models.StatusMaintenance {
		t.Errorf("status = %q, want maintenance to survive re-registration", d.Status)
	}
	if d.AppVersion != "1.2.0" {
		t.Errorf("app_version = %q, device-reported metadata should still refresh", d.AppVersion)
	}

	if err := m.store.SetStatus(ctx, "rpi-03", models.StatusActive); err != nil {
		t.Fatalf("lift maintenance: %v", err)
	}
	d2, _, err := m.Register(ctx, &RegisterRequest{DeviceID: "rpi-03", AppVersion: "1.2.0"})
	if err != nil {
		t.Fatalf("register after lift: %v", err)
	}
	if d2.Status != models.StatusActive {
		t.Errorf("status = %q, want active after operator lifts maintenance", d2.Status)
	}
}

func TestUpdateStatusIfNewerDropsStaleObservations(t *testing.T) {
	m := testModule(t)
	ctx := context.Background()
	registerTestDevice(t, m, "rpi-03")

	now := time.Now().UTC()
	applied, err := m.store.UpdateStatusIfNewer(ctx, "rpi-03", models.StatusWarning, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("fresh update: %v", err)
	}
	if !applied {
		t.Fatal("fresh observation should apply")
	}

	applied, err = m.store.UpdateStatusIfNewer(ctx, "rpi-03", models.StatusInactive, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("stale update: %v", err)
	}
	if applied {
		t.Error("stale observation must be dropped")
	}

	d, err := m.Device(ctx, "rpi-03")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if d.Status != models.StatusWarning {
		t.Errorf("status = %q, want warning (stale inactive dropped)", d.Status)
	}
}

func TestApplyStatusPublishesOnChange(t *testing.T) {
	m := testModule(t)
	ctx := context.Background()
	registerTestDevice(t, m, "rpi-04")

	applied, err := m.ApplyStatus(ctx, "rpi-04", models.StatusWarning, time.Now().UTC().Add(time.Second), "health")
	if err != nil {
		t.Fatalf("apply status: %v", err)
	}
	if !applied {
		t.Error("observation should apply")
	}
	d, err := m.Device(ctx, "rpi-04")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if d.Status != models.StatusWarning {
		t.Errorf("status = %q, want warning", d.Status)
	}

	if _, err := m.ApplyStatus(ctx, "no-such-device", models.StatusActive, time.Now(), "health"); err == nil {
		t.Error("unknown device must return an error")
	}
}

func TestSummaryDerivesOffline(t *testing.T) {
	m := testModule(t)
	ctx := context.Background()
	registerTestDevice(t, m, "fresh-01")
	registerTestDevice(t, m, "stale-01")

	// Push stale-01's last_seen far into the past.
	old := time.Now().UTC().Add(-time.Hour)
	if _, err := m.store.db.ExecContext(ctx,
		`UPDATE fleet_devices SET last_seen = ? WHERE device_id = ?`, old, "stale-01"); err != nil {
		t.Fatalf("backdate last_seen: %v", err)
	}

	sum, err := m.store.Summary(ctx, time.Now().UTC(), 15*time.Minute)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Total != 2 {
		t.Errorf("total = %d, want 2", sum.Total)
	}
	if sum.Offline != 1 {
		t.Errorf("offline = %d, want 1", sum.Offline)
	}
	if sum.Active != 2 {
		t.Errorf("active = %d, want 2 (offline is derived, not a status)", sum.Active)
	}
	if sum.Online != 1 {
		t.Errorf("online = %d, want 1", sum.Online)
	}
}

func TestDeleteDevice(t *testing.T) {
	m := testModule(t)
	ctx := context.Background()
	registerTestDevice(t, m, "rpi-05")

	removed, err := m.store.Delete(ctx, "rpi-05")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !removed {
		t.Error("delete should report removal")
	}
	removed, err = m.store.Delete(ctx, "rpi-05")
	if err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
	if removed {
		t.Error("deleting a missing device is a no-op")
	}
	d, err := m.store.Get(ctx, "rpi-05")
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if d != nil {
		t.Error("device should be gone")
	}

	// Removing an unknown device through the module is a silent success.
	if err := m.Remove(ctx, "never-registered"); err != nil {
		t.Errorf("remove unknown: %v", err)
	}
}

func TestTouchRefreshesLastSeen(t *testing.T) {
	m := testModule(t)
	ctx := context.Background()
	registerTestDevice(t, m, "rpi-08")

	// Backdate so a fresh touch has something to move.
	old := time.Now().UTC().Add(-time.Hour)
	if _, err := m.store.db.ExecContext(ctx,
		`UPDATE fleet_devices SET last_seen = ? WHERE device_id = ?`, old, "rpi-08"); err != nil {
		t.Fatalf("backdate last_seen: %v", err)
	}

	now := time.Now().UTC()
	if err := m.Touch(ctx, "rpi-08", now); err != nil {
		t.Fatalf("touch: %v", err)
	}
	d, err := m.Device(ctx, "rpi-08")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if d.LastSeen.Before(now.Add(-time.Second)) {
		t.Errorf("last_seen = %v, want refreshed to ~%v", d.LastSeen, now)
	}

	// A stale touch must not move last_seen backwards.
	if err := m.Touch(ctx, "rpi-08", old); err != nil {
		t.Fatalf("stale touch: %v", err)
	}
	d, _ = m.Device(ctx, "rpi-08")
	if d.LastSeen.Before(now.Add(-time.Second)) {
		t.Error("stale touch must not regress last_seen")
	}

	if err := m.Touch(ctx, "ghost", now); err == nil {
		t.Error("touching an unknown device must error")
	}
}

func TestListFilters(t *testing.T) {
	m := testModule(t)
	ctx := context.Background()
	registerTestDevice(t, m, "rpi-09")
	registerTestDevice(t, m, "rpi-10")

	if err := m.wifi.Configure(ctx, "rpi-09", models.NetworkConfig{SSID: "StoreNet", Credential: "s3cret"}, "admin"); err != nil {
		t.Fatalf("configure wifi: %v", err)
	}

	yes, no := true, false
	withWifi, err := m.store.List(ctx, "", "", &yes)
	if err != nil {
		t.Fatalf("list with wifi: %v", err)
	}
	if len(withWifi) != 1 || withWifi[0].DeviceID != "rpi-09" {
		t.Errorf("with wifi = %+v, want just rpi-09", withWifi)
	}
	withoutWifi, err := m.store.List(ctx, "", "", &no)
	if err != nil {
		t.Fatalf("list without wifi: %v", err)
	}
	if len(withoutWifi) != 1 || withoutWifi[0].DeviceID != "rpi-10" {
		t.Errorf("without wifi = %+v, want just rpi-10", withoutWifi)
	}
}

func TestLastCommandLifecycle(t *testing.T) {
	m := testModule(t)
	ctx := context.Background()
	registerTestDevice(t, m, "rpi-06")

	cmd := &models.LastCommand{
		Command: "restart_player",
		SentAt:  time.Now().UTC(),
		Status:  models.CommandPending,
	}
	if err := m.RecordCommand(ctx, "rpi-06", cmd); err != nil {
		t.Fatalf("record command: %v", err)
	}
	if err := m.store.AckLastCommand(ctx, "rpi-06", models.CommandAcked, time.Now().UTC()); err != nil {
		t.Fatalf("ack command: %v", err)
	}

	d, err := m.Device(ctx, "rpi-06")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if d.LastCommand == nil {
		t.Fatal("expected a tracked command")
	}
	if d.LastCommand.Status != models.CommandAcked {
		t.Errorf("command status = %q, want acked", d.LastCommand.Status)
	}
	if d.LastCommand.ExecutedAt == nil {
		t.Error("executed_at should be set after ack")
	}
}
