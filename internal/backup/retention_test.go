package backup

import (
	"path/filepath"
	"testing"
	"time"
)

func infoAt(path string, age time.Duration) BackupInfo {
	return BackupInfo{Path: path, CreatedAt: time.Now().Add(-age)}
}

func TestCountPolicy(t *testing.T) {
	backups := []BackupInfo{
		infoAt("a", 1*time.Hour),
		infoAt("b", 2*time.Hour),
		infoAt("c", 3*time.Hour),
		infoAt("d", 4*time.Hour),
	}

	policy := &CountPolicy{KeepLast: 2}
	deleted := policy.Apply(backups)
	if len(deleted) != 2 {
		t.Fatalf("deleted %d, want 2", len(deleted))
	}
	if deleted[0].Path != "c" || deleted[1].Path != "d" {
		t.Errorf("deleted %s/%s, want the two oldest (c, d)", deleted[0].Path, deleted[1].Path)
	}

	if got := (&CountPolicy{KeepLast: 10}).Apply(backups); got != nil {
		t.Errorf("KeepLast larger than set should delete nothing, got %v", got)
	}
	if got := (&CountPolicy{}).Apply(backups); got != nil {
		t.Errorf("zero KeepLast should delete nothing, got %v", got)
	}
}

func TestAgePolicy(t *testing.T) {
	fixed := time.Date(2031, 6, 1, 12, 0, 0, 0, time.UTC)
	backups := []BackupInfo{
		{Path: "new", CreatedAt: fixed.Add(-2 * time.Hour)},
		{Path: "old", CreatedAt: fixed.Add(-40 * 24 * time.Hour)},
	}

	policy := &AgePolicy{MaxAge: 30 * 24 * time.Hour, now: func() time.Time { return fixed }}
	deleted := policy.Apply(backups)
	if len(deleted) != 1 || deleted[0].Path != "old" {
		t.Errorf("deleted %v, want just the 40-day-old snapshot", deleted)
	}

	if got := (&AgePolicy{}).Apply(backups); got != nil {
		t.Errorf("zero MaxAge should delete nothing, got %v", got)
	}
}

func TestCompositePolicy(t *testing.T) {
	fixed := time.Now()
	backups := []BackupInfo{
		{Path: "a", CreatedAt: fixed.Add(-1 * time.Hour)},
		{Path: "b", CreatedAt: fixed.Add(-2 * time.Hour)},
		{Path: "c", CreatedAt: fixed.Add(-100 * 24 * time.Hour)},
	}

	policy := &CompositePolicy{Policies: []RetentionPolicy{
		&CountPolicy{KeepLast: 2},
		&AgePolicy{MaxAge: 30 * 24 * time.Hour},
	}}
	deleted := policy.Apply(backups)
	if len(deleted) != 1 || deleted[0].Path != "c" {
		t.Errorf("deleted %v, want just c", deleted)
	}
}

func TestListAndApplyRetention(t *testing.T) {
	dir := t.TempDir()

	// Three snapshots with distinct creation times in their headers.
	base := time.Date(2031, 7, 1, 0, 0, 0, 0, time.UTC)
	for i, name := range []string{"one", "two", "three"} {
		snap := &Snapshot{
			Version:   FormatVersion,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}
		path := filepath.Join(dir, name+".backup")
		if err := WriteSnapshot(path, snap); err != nil {
			t.Fatalf("WriteSnapshot: %v", err)
		}
	}

	backups, err := ListBackups(dir)
	if err != nil {
		t.Fatalf("ListBackups: %v", err)
	}
	if len(backups) != 3 {
		t.Fatalf("listed %d, want 3", len(backups))
	}
	if !backups[0].CreatedAt.After(backups[2].CreatedAt) {
		t.Error("backups not sorted newest first")
	}

	deleted, err := ApplyRetention(dir, &CountPolicy{KeepLast: 1})
	if err != nil {
		t.Fatalf("ApplyRetention: %v", err)
	}
	if len(deleted) != 2 {
		t.Errorf("deleted %d, want 2", len(deleted))
	}
	remaining, err := ListBackups(dir)
	if err != nil {
		t.Fatalf("ListBackups after retention: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("%d snapshots remain, want 1", len(remaining))
	}
	if !remaining[0].CreatedAt.Equal(base.Add(2 * time.Hour)) {
		t.Error("retention kept the wrong snapshot")
	}

	// Missing directory is not an error.
	if _, err := ListBackups(filepath.Join(dir, "missing")); err != nil {
		t.Errorf("ListBackups on missing dir: %v", err)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30d", 30 * 24 * time.Hour, false},
		{"1.5d", 36 * time.Hour, false},
		{"12h", 12 * time.Hour, false},
		{"90m", 90 * time.Minute, false},
		{"", 0, true},
		{"xd", 0, true},
		{"banana", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseDuration(%q) succeeded, want error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDuration(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
