// Package who parses the output of who(1) into session records.
package who

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/liliang-cn/rusers/pkg/session"
)

// unknownUser is how utmp reports slots whose user could not be resolved.
const unknownUser = "(unknown"

var timeLayouts = []string{
	"2006-01-02 15:04",
	"Jan _2 15:04",
	"Jan 2 15:04",
}

// Parse reads who(1) lines such as
//
//	alice    pts/0        2024-01-02 10:11 (10.0.0.5)
//
// Lines without at least a user and a terminal are rejected. Login times are
// interpreted in loc; a nil loc means time.Local.
func Parse(r io.Reader, host string, loc *time.Location) ([]session.Record, error) {
	if loc == nil {
		loc = time.Local
	}

	var records []session.Record
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		rec, err := parseLine(line, loc)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if strings.HasPrefix(rec.User, unknownUser) {
			continue
		}
		rec.Host = host
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

func parseLine(line string, loc *time.Location) (session.Record, error) {
	remote := ""
	if i := strings.LastIndex(line, "("); i >= 0 && strings.HasSuffix(line, ")") {
		remote = line[i+1 : len(line)-1]
		line = strings.TrimSpace(line[:i])
	}

	fields := strings.Fields(line)
	if len(fields) < 2 {
		return session.Record{}, fmt.Errorf("unexpected format %q", line)
	}

	rec := session.Record{
		User:   fields[0],
		Line:   fields[1],
		Remote: remote,
	}

	// Date formats vary between systems; try the common ones and leave the
	// login time zero when none fits.
	rest := strings.Join(fields[2:], " ")
	for _, layout := range timeLayouts {
		n := len(strings.Fields(layout))
		parts := strings.Fields(rest)
		if len(parts) < n {
			continue
		}
		t, err := time.ParseInLocation(layout, strings.Join(parts[:n], " "), loc)
		if err != nil {
			continue
		}
		if t.Year() == 0 {
			t = t.AddDate(time.Now().In(loc).Year(), 0, 0)
		}
		rec.LoginTime = t
		break
	}

	return rec, nil
}
