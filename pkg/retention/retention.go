// --- Retention Strategy ---
//
// Backups are sorted into calendar slots defined in UTC: N hourly, N daily,
// N weekly (ISO weeks), N monthly and N yearly. Rules are applied from the
// shortest period to the longest. A backup kept by a shorter rule is not
// considered for longer rules, so it is "promoted" to the most frequent slot
// it qualifies for. Everything not kept by any rule is planned for deletion.

// Package retention decides which remote backup directories to keep.
package retention

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Constants for time formats used in retention bucketing
const (
	hourFormat  = "2006-01-02-15" // YYYY-MM-DD-HH
	dayFormat   = "2006-01-02"    // YYYY-MM-DD
	weekFormat  = "%d-%d"         // year and ISO week number, see time.ISOWeek
	monthFormat = "2006-01"       // YYYY-MM
	yearFormat  = "2006"          // YYYY
)

// TimestampLayout is the layout of the timestamp embedded in backup directory names.
const TimestampLayout = "2006-01-02-15-04-05"

// Policy configures how many backups to keep per calendar period.
type Policy struct {
	Hours  int `json:"hours"`
	Days   int `json:"days"`
	Weeks  int `json:"weeks"`
	Months int `json:"months"`
	Years  int `json:"years"`
	// MaxAgeDays removes any remote file older than this many days, regardless
	// of the calendar slots. Zero disables it.
	MaxAgeDays int `json:"maxAgeDays"`
}

// Enabled reports whether any calendar rule is set.
func (p Policy) Enabled() bool {
	return p.Hours > 0 || p.Days > 0 || p.Weeks > 0 || p.Months > 0 || p.Years > 0
}

// Validate rejects negative values.
func (p Policy) Validate() error {
	if p.Hours < 0 || p.Days < 0 || p.Weeks < 0 || p.Months < 0 || p.Years < 0 || p.MaxAgeDays < 0 {
		return fmt.Errorf("retention values cannot be negative")
	}
	return nil
}

// Backup is a backup directory with the time it was started.
type Backup struct {
	Name string
	Time time.Time
}

// DirName returns the directory name for a backup started at t.
func DirName(prefix string, t time.Time) string {
	return prefix + t.UTC().Format(TimestampLayout)
}

// ParseDirName extracts the timestamp from a directory created by DirName.
func ParseDirName(prefix, name string) (time.Time, bool) {
	if !strings.HasPrefix(name, prefix) {
		return time.Time{}, false
	}
	t, err := time.Parse(TimestampLayout, strings.TrimPrefix(name, prefix))
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// Plan splits backups into those to keep and those to delete. The backup
// named exclude, usually the one currently being written, is always kept.
// Both results are sorted newest first.
func Plan(backups []Backup, p Policy, exclude string) (keep, remove []Backup) {
	sorted := make([]Backup, len(backups))
	copy(sorted, backups)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time.After(sorted[j].Time) })

	if !p.Enabled() {
		return sorted, nil
	}

	kept := determineBackupsToKeep(sorted, p)
	for _, b := range sorted {
		if kept[b.Name] || b.Name == exclude {
			keep = append(keep, b)
		} else {
			remove = append(remove, b)
		}
	}
	return keep, remove
}

// determineBackupsToKeep applies the policy to backups sorted newest first.
func determineBackupsToKeep(backups []Backup, p Policy) map[string]bool {
	backupsToKeep := make(map[string]bool)

	savedHourly := make(map[string]bool)
	savedDaily := make(map[string]bool)
	savedWeekly := make(map[string]bool)
	savedMonthly := make(map[string]bool)
	savedYearly := make(map[string]bool)

	for _, b := range backups {
		ts := b.Time.UTC()

		hourKey := ts.Format(hourFormat)
		if p.Hours > 0 && len(savedHourly) < p.Hours && !savedHourly[hourKey] {
			backupsToKeep[b.Name] = true
			savedHourly[hourKey] = true
			continue
		}

		dayKey := ts.Format(dayFormat)
		if p.Days > 0 && len(savedDaily) < p.Days && !savedDaily[dayKey] {
			backupsToKeep[b.Name] = true
			savedDaily[dayKey] = true
			continue
		}

		year, week := ts.ISOWeek()
		weekKey := fmt.Sprintf(weekFormat, year, week)
		if p.Weeks > 0 && len(savedWeekly) < p.Weeks && !savedWeekly[weekKey] {
			backupsToKeep[b.Name] = true
			savedWeekly[weekKey] = true
			continue
		}

		monthKey := ts.Format(monthFormat)
		if p.Months > 0 && len(savedMonthly) < p.Months && !savedMonthly[monthKey] {
			backupsToKeep[b.Name] = true
			savedMonthly[monthKey] = true
			continue
		}

		yearKey := ts.Format(yearFormat)
		if p.Years > 0 && len(savedYearly) < p.Years && !savedYearly[yearKey] {
			backupsToKeep[b.Name] = true
			savedYearly[yearKey] = true
		}
	}
	return backupsToKeep
}

// Describe returns a short summary of the policy for logs.
func (p Policy) Describe() string {
	var parts []string
	if p.Hours > 0 {
		parts = append(parts, fmt.Sprintf("%d hourly", p.Hours))
	}
	if p.Days > 0 {
		parts = append(parts, fmt.Sprintf("%d daily", p.Days))
	}
	if p.Weeks > 0 {
		parts = append(parts, fmt.Sprintf("%d weekly", p.Weeks))
	}
	if p.Months > 0 {
		parts = append(parts, fmt.Sprintf("%d monthly", p.Months))
	}
	if p.Years > 0 {
		parts = append(parts, fmt.Sprintf("%d yearly", p.Years))
	}
	if p.MaxAgeDays > 0 {
		parts = append(parts, fmt.Sprintf("max age %dd", p.MaxAgeDays))
	}
	if len(parts) == 0 {
		return "disabled"
	}
	return strings.Join(parts, ", ")
}
