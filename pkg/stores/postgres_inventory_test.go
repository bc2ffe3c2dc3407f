package stores

import (
	"context"
	"os"
	"testing"

	"github.com/openfroyo/netonboard/pkg/engine"
)

func TestPostgresInventory(t *testing.T) {
	dsn := os.Getenv("NETONBOARD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("NETONBOARD_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	inv, err := NewPostgresInventory(ctx, PostgresConfig{DSN: dsn, MaxConns: 2})
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer inv.Close()

	if err := inv.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if err := inv.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	record := engine.DeviceRecord{
		Address:  "10.0.0.1",
		Platform: "cisco_ios",
		Facts:    &engine.DeviceFacts{Serial: "PGTEST1", Model: "X1", OSVersion: "1.2.3"},
		Tags:     []string{"ci"},
		TaskID:   "task-pg",
	}
	if err := inv.SaveDevice(ctx, record); err != nil {
		t.Fatalf("failed to save device: %v", err)
	}
	record.Facts.OSVersion = "1.2.4"
	if err := inv.SaveDevice(ctx, record); err != nil {
		t.Fatalf("failed to upsert device: %v", err)
	}

	device, err := inv.GetDevice(ctx, "serial:PGTEST1")
	if err != nil {
		t.Fatalf("failed to get device: %v", err)
	}
	if device.Facts.OSVersion != "1.2.4" {
		t.Errorf("expected upserted os version 1.2.4, got %s", device.Facts.OSVersion)
	}
	if len(device.Tags) != 1 || device.Tags[0] != "ci" {
		t.Errorf("unexpected tags: %v", device.Tags)
	}
}

func TestNewPostgresInventoryBadDSN(t *testing.T) {
	if _, err := NewPostgresInventory(context.Background(), PostgresConfig{DSN: "://bad"}); err == nil {
		t.Error("expected error for malformed DSN")
	}
}
