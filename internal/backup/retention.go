package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// BackupInfo describes one snapshot file on disk.
type BackupInfo struct {
	Path      string
	CreatedAt time.Time
	Size      int64
	Scenarios int
}

// RetentionPolicy selects which snapshots to delete. Apply receives the
// snapshots sorted newest first and returns the ones to remove.
type RetentionPolicy interface {
	Apply(backups []BackupInfo) []BackupInfo
}

// CountPolicy keeps the newest KeepLast snapshots.
type CountPolicy struct {
	KeepLast int
}

func (p *CountPolicy) Apply(backups []BackupInfo) []BackupInfo {
	if p.KeepLast <= 0 || len(backups) <= p.KeepLast {
		return nil
	}
	return backups[p.KeepLast:]
}

// AgePolicy deletes snapshots older than MaxAge.
type AgePolicy struct {
	MaxAge time.Duration
	now    func() time.Time // injectable clock for testing
}

func (p *AgePolicy) Apply(backups []BackupInfo) []BackupInfo {
	if p.MaxAge <= 0 {
		return nil
	}
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	cutoff := now().Add(-p.MaxAge)

	var deleted []BackupInfo
	for _, b := range backups {
		if b.CreatedAt.Before(cutoff) {
			deleted = append(deleted, b)
		}
	}
	return deleted
}

// CompositePolicy deletes anything any member policy would delete.
type CompositePolicy struct {
	Policies []RetentionPolicy
}

func (p *CompositePolicy) Apply(backups []BackupInfo) []BackupInfo {
	marked := make(map[string]BackupInfo)
	for _, policy := range p.Policies {
		for _, b := range policy.Apply(backups) {
			marked[b.Path] = b
		}
	}
	deleted := make([]BackupInfo, 0, len(marked))
	for _, b := range backups {
		if _, ok := marked[b.Path]; ok {
			deleted = append(deleted, b)
		}
	}
	return deleted
}

// ListBackups scans a directory for snapshot files, newest first. Files
// whose header cannot be read are skipped.
func ListBackups(dir string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	var backups []BackupInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".backup") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		header, err := ReadHeader(path)
		if err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, BackupInfo{
			Path:      path,
			CreatedAt: header.CreatedAt,
			Size:      info.Size(),
			Scenarios: header.ScenarioCount,
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// ApplyRetention deletes snapshots the policy marks and returns the
// removed paths.
func ApplyRetention(dir string, policy RetentionPolicy) (deleted []string, err error) {
	backups, err := ListBackups(dir)
	if err != nil {
		return nil, err
	}
	for _, b := range policy.Apply(backups) {
		if err := os.Remove(b.Path); err != nil {
			return deleted, fmt.Errorf("removing %s: %w", b.Path, err)
		}
		deleted = append(deleted, b.Path)
	}
	return deleted, nil
}

// ParseDuration parses retention ages like "30d" or "12h". Day units are
// accepted on top of time.ParseDuration's.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if strings.HasSuffix(s, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(days * 24 * float64(time.Hour)), nil
	}
	return time.ParseDuration(s)
}
