package credstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeTestFile(t *testing.T, dir string, creds []Credential) string {
	t.Helper()
	path := filepath.Join(dir, "accounts.json")
	data, err := json.Marshal(creds)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAssignsProjectIDOnce(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, []Credential{
		{RefreshToken: "rt-1", Enable: true},
	})

	store := New(path, nil)
	enabled := store.Load()
	if len(enabled) != 1 {
		t.Fatalf("expected 1 enabled credential, got %d", len(enabled))
	}
	if enabled[0].ProjectID == "" {
		t.Fatal("expected project_id to be assigned")
	}
	firstProjectID := enabled[0].ProjectID

	// Reloading from the now-persisted file must not reassign project_id.
	store2 := New(path, nil)
	enabled2 := store2.Load()
	if enabled2[0].ProjectID != firstProjectID {
		t.Fatalf("project_id changed across loads: %q -> %q", firstProjectID, enabled2[0].ProjectID)
	}
}

func TestLoadSkipsDisabledCredentials(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, []Credential{
		{RefreshToken: "rt-1", Enable: true},
		{RefreshToken: "rt-2", Enable: false},
	})

	store := New(path, nil)
	enabled := store.Load()
	if len(enabled) != 1 || enabled[0].RefreshToken != "rt-1" {
		t.Fatalf("expected only rt-1 enabled, got %+v", enabled)
	}
}

func TestLoadMissingFileYieldsEmptySet(t *testing.T) {
	store := New(filepath.Join(t.TempDir(), "missing.json"), nil)
	enabled := store.Load()
	if len(enabled) != 0 {
		t.Fatalf("expected empty set for missing file, got %d", len(enabled))
	}
}

func TestSessionIDDiffersAcrossLoads(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, []Credential{{RefreshToken: "rt-1", Enable: true}})

	store := New(path, nil)
	first := store.Load()
	second := store.Load()
	if first[0].SessionID == second[0].SessionID {
		t.Fatal("expected distinct session ids across loads")
	}
	if first[0].SessionID >= 0 || second[0].SessionID >= 0 {
		t.Fatal("expected negative session ids")
	}
}

func TestDisablePersistsAndExcludesFromEnabled(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, []Credential{
		{RefreshToken: "rt-1", Enable: true},
		{RefreshToken: "rt-2", Enable: true},
	})

	store := New(path, nil)
	store.Load()

	enabled := store.Disable("rt-1")
	if len(enabled) != 1 || enabled[0].RefreshToken != "rt-2" {
		t.Fatalf("expected only rt-2 enabled after disable, got %+v", enabled)
	}

	// Disk state must reflect the disable, independent of this process.
	reopened := New(path, nil)
	enabledAfterReload := reopened.Load()
	if len(enabledAfterReload) != 1 || enabledAfterReload[0].RefreshToken != "rt-2" {
		t.Fatalf("expected disable to survive reload, got %+v", enabledAfterReload)
	}
}

func TestSaveAllOverlaysByRefreshToken(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, []Credential{
		{RefreshToken: "rt-1", Enable: true, AccessToken: "old"},
	})

	store := New(path, nil)
	store.Load()

	err := store.SaveAll([]Credential{{RefreshToken: "rt-1", Enable: true, AccessToken: "new"}})
	if err != nil {
		t.Fatal(err)
	}

	all := store.All()
	if len(all) != 1 || all[0].AccessToken != "new" {
		t.Fatalf("expected overlay to update access token, got %+v", all)
	}
}

func TestUpdateRemarkByIndex(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, []Credential{
		{RefreshToken: "rt-1", Enable: true},
		{RefreshToken: "rt-2", Enable: false},
	})

	store := New(path, nil)
	store.Load()

	if err := store.UpdateRemark(1, "flaky"); err != nil {
		t.Fatal(err)
	}

	all := store.All()
	if all[1].Remark != "flaky" {
		t.Fatalf("expected remark on disabled credential to update, got %+v", all[1])
	}
}
