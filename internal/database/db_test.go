package database

import (
	"testing"

	"github.com/iliyamo/bus-seat-booking/internal/config"
)

func TestDSN(t *testing.T) {
	cfg := config.Config{DBUser: "app", DBHost: "db", DBPort: "3306", DBName: "bus"}
	want := "app@tcp(db:3306)/bus?charset=utf8mb4&parseTime=true&loc=UTC"
	if got := DSN(cfg); got != want {
		t.Fatalf("DSN without password = %q, want %q", got, want)
	}

	cfg.DBPass = "secret"
	want = "app:secret@tcp(db:3306)/bus?charset=utf8mb4&parseTime=true&loc=UTC"
	if got := DSN(cfg); got != want {
		t.Fatalf("DSN with password = %q, want %q", got, want)
	}
}
