// Package session holds login session records reported by remote hosts and
// the per-user aggregation applied to them.
package session

import "time"

// Record is one login session reported by a host.
//
// Only User is interpreted when aggregating; the remaining fields travel with
// the record untouched.
type Record struct {
	// User is the login name.
	User string
	// Line is the terminal line, e.g. "pts/0".
	Line string
	// Remote is the remote host the session came from, if any.
	Remote string
	// Host is the name the reporting host gave for itself.
	Host string
	// LoginTime is when the session started.
	LoginTime time.Time
	// Idle is how long the terminal has been idle.
	Idle time.Duration
}

// UserCount pairs the first record seen for a user with the number of
// sessions that user has on the host.
type UserCount struct {
	Record Record
	Count  int
}

// User returns the login name of the counted user.
func (u UserCount) User() string {
	return u.Record.User
}

// Count groups records by user, keeping first-seen order and the first record
// of each user as its representative.
func Count(records []Record) []UserCount {
	counts := make([]UserCount, 0, len(records))
	index := make(map[string]int, len(records))

	for _, r := range records {
		if i, ok := index[r.User]; ok {
			counts[i].Count++
			continue
		}
		index[r.User] = len(counts)
		counts = append(counts, UserCount{Record: r, Count: 1})
	}

	return counts
}

// Total returns the number of sessions across all users.
func Total(counts []UserCount) int {
	n := 0
	for _, c := range counts {
		n += c.Count
	}
	return n
}
