package domain

import (
	"testing"
	"time"
)

func TestNamespace_StorageID(t *testing.T) {
	if got := NamespaceSession.StorageID("u1"); got != "u1" {
		t.Errorf("want u1, got %s", got)
	}
	if got := NamespaceRegistration.StorageID("a@example.com"); got != "reg:a@example.com" {
		t.Errorf("want reg:a@example.com, got %s", got)
	}
}

func TestValidateUserID(t *testing.T) {
	valid := []string{"u1", "a@example.com", "0f8e-42"}
	for _, id := range valid {
		if err := ValidateUserID(id); err != nil {
			t.Errorf("%q: unexpected error: %v", id, err)
		}
	}

	invalid := []string{"", "reg:u1", "has space", "tab\tid"}
	for _, id := range invalid {
		if err := ValidateUserID(id); err != ErrInvalidUserID {
			t.Errorf("%q: want ErrInvalidUserID, got %v", id, err)
		}
	}
}

func TestKeyRecord_IsLive(t *testing.T) {
	written := time.Unix(1_700_000_000, 0)
	rec := &KeyRecord{UserID: "u1", ExpiresAt: ExpiresAtFrom(written)}

	if !rec.IsLive(written.Add(1799 * time.Second)) {
		t.Error("expected record to be live at T+1799s")
	}
	if rec.IsLive(written.Add(1800 * time.Second)) {
		t.Error("expected record to be expired at T+1800s")
	}
	if rec.IsLive(written.Add(1801 * time.Second)) {
		t.Error("expected record to be expired at T+1801s")
	}

	var missing *KeyRecord
	if missing.IsLive(written) {
		t.Error("nil record must never be live")
	}
}
