package ftp

import (
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/objectfs/vfs/pkg/errors"
	"github.com/objectfs/vfs/pkg/listing"
)

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

// parseList turns LIST output into entries. Lines that match neither the
// Unix nor the Windows format are logged and skipped. "." and ".." are
// dropped.
func parseList(lines []string, now time.Time, logger *zap.Logger) []listing.Entry {
	entries := make([]listing.Entry, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "total ") {
			continue
		}
		e, err := parseLine(line, now)
		if err != nil {
			logger.Warn("Skipping malformed LIST line", zap.String("line", line), zap.Error(err))
			continue
		}
		if e.Name == "." || e.Name == listing.DotDot {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

func parseLine(line string, now time.Time) (listing.Entry, error) {
	if len(line) > 0 && line[0] >= '0' && line[0] <= '9' {
		return parseWindows(line)
	}
	return parseUnix(line, now)
}

func malformed(reason string) error {
	return errors.New(errors.KindProtocolError, reason).WithComponent(Tag)
}

// splitFields returns the first n whitespace separated fields and the rest
// of the line after the whitespace that follows them.
func splitFields(line string, n int) ([]string, string, bool) {
	fields := make([]string, 0, n)
	i := 0
	for len(fields) < n {
		for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
			i++
		}
		start := i
		for i < len(line) && line[i] != ' ' && line[i] != '\t' {
			i++
		}
		if start == i {
			return nil, "", false
		}
		fields = append(fields, line[start:i])
	}
	for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
		i++
	}
	return fields, line[i:], true
}

// parseUnix handles "drwxr-xr-x 2 owner group 4096 Jan 2 15:04 name" and
// the variant without a group column.
func parseUnix(line string, now time.Time) (listing.Entry, error) {
	var e listing.Entry
	if len(line) < 10 {
		return e, malformed("line too short")
	}
	switch line[0] {
	case 'd':
		e.Type = listing.FileTypeDirectory
	case '-':
		e.Type = listing.FileTypeRegular
	case 'l':
		e.Type = listing.FileTypeSymlink
	case 'b':
		e.Type = listing.FileTypeDevice
	case 'c':
		e.Type = listing.FileTypeCharDevice
	case 'p':
		e.Type = listing.FileTypeFIFO
	case 's':
		e.Type = listing.FileTypeSocket
	default:
		return e, malformed("unknown file type")
	}
	mode, ok := parsePerms(line[1:10])
	if !ok {
		return e, malformed("bad permission bits")
	}
	e.Mode = mode

	// Locate the month to tell the owner/group layout apart.
	for _, n := range []int{9, 8} {
		fields, rest, ok := splitFields(line, n-1)
		if !ok || rest == "" {
			continue
		}
		m := n - 4
		month, isMonth := months[strings.ToLower(fields[m])]
		if !isMonth {
			continue
		}
		size, err := strconv.ParseInt(fields[m-1], 10, 64)
		if err != nil {
			continue
		}
		mtime, err := parseUnixTime(month, fields[m+1], fields[m+2], now)
		if err != nil {
			return e, err
		}
		e.Size = size
		e.MTime = mtime
		e.Name = rest
		if e.Type == listing.FileTypeSymlink {
			if i := strings.Index(rest, " -> "); i >= 0 {
				e.Name, e.Symlink = rest[:i], rest[i+4:]
			}
		}
		if e.Type == listing.FileTypeDirectory {
			e.Size = listing.UnknownSize
		}
		return e, nil
	}
	return e, malformed("no date column")
}

func parsePerms(s string) (os.FileMode, bool) {
	var mode os.FileMode
	for i, c := range s {
		bit := os.FileMode(1) << uint(8-i)
		switch {
		case c == '-':
		case c == rune("rwxrwxrwx"[i]):
			mode |= bit
		case (i == 2 || i == 5) && (c == 's' || c == 'S'):
			if c == 's' {
				mode |= bit
			}
			if i == 2 {
				mode |= os.ModeSetuid
			} else {
				mode |= os.ModeSetgid
			}
		case i == 8 && (c == 't' || c == 'T'):
			if c == 't' {
				mode |= bit
			}
			mode |= os.ModeSticky
		default:
			return 0, false
		}
	}
	return mode, true
}

// parseUnixTime reads "Jan 2 15:04" (recent, year implied) or "Jan 2 2006".
func parseUnixTime(month time.Month, day, clock string, now time.Time) (time.Time, error) {
	d, err := strconv.Atoi(day)
	if err != nil || d < 1 || d > 31 {
		return time.Time{}, malformed("bad day")
	}
	if h, m, ok := strings.Cut(clock, ":"); ok {
		hour, err1 := strconv.Atoi(h)
		minute, err2 := strconv.Atoi(m)
		if err1 != nil || err2 != nil || hour > 23 || minute > 59 {
			return time.Time{}, malformed("bad time")
		}
		t := time.Date(now.Year(), month, d, hour, minute, 0, 0, time.UTC)
		// Recent dates without a year may belong to last year.
		if t.After(now.AddDate(0, 0, 1)) {
			t = t.AddDate(-1, 0, 0)
		}
		return t, nil
	}
	year, err := strconv.Atoi(clock)
	if err != nil || year < 1900 {
		return time.Time{}, malformed("bad year")
	}
	return time.Date(year, month, d, 0, 0, 0, 0, time.UTC), nil
}

// parseWindows handles IIS style "01-02-20  03:04PM  <DIR>  name" and
// "01-02-2020  15:04  1234  name".
func parseWindows(line string) (listing.Entry, error) {
	var e listing.Entry
	fields, name, ok := splitFields(line, 3)
	if !ok || name == "" {
		return e, malformed("too few columns")
	}

	mtime, err := parseWindowsTime(fields[0], fields[1])
	if err != nil {
		return e, err
	}
	e.MTime = mtime
	e.Name = name

	if strings.EqualFold(fields[2], "<DIR>") {
		e.Type = listing.FileTypeDirectory
		e.Mode = os.ModeDir | 0755
		e.Size = listing.UnknownSize
		return e, nil
	}
	size, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return e, malformed("bad size")
	}
	e.Type = listing.FileTypeRegular
	e.Mode = 0644
	e.Size = size
	return e, nil
}

func parseWindowsTime(date, clock string) (time.Time, error) {
	var t time.Time
	var err error
	for _, layout := range []string{"01-02-06", "01-02-2006"} {
		if t, err = time.Parse(layout, date); err == nil {
			break
		}
	}
	if err != nil {
		return time.Time{}, malformed("bad date")
	}

	var c time.Time
	for _, layout := range []string{"03:04PM", "3:04PM", "15:04"} {
		if c, err = time.Parse(layout, strings.ToUpper(clock)); err == nil {
			break
		}
	}
	if err != nil {
		return time.Time{}, malformed("bad time")
	}
	return time.Date(t.Year(), t.Month(), t.Day(), c.Hour(), c.Minute(), 0, 0, time.UTC), nil
}
