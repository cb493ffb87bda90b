package hr

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const headerPrefix = "---------"

var ErrBadInfoFile = errors.New("malformed hr info file")

// WriteFile stores per-class RAC in the HR info file format:
// a "--------- <type>" header per type followed by "<class> <rac>" lines.
func (a *Allocator) WriteFile(path string) error {
	var b strings.Builder
	for t := 1; t < NumTypes; t++ {
		fmt.Fprintf(&b, "%s %s\n", headerPrefix, TypeName(t))
		for c := 1; c < len(a.stats[t]); c++ {
			fmt.Fprintf(&b, "%d %s\n", c, strconv.FormatFloat(a.stats[t][c].RAC, 'g', -1, 64))
		}
	}

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create hr info dir: %w", err)
	}
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write hr info file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename hr info file: %w", err)
	}
	return nil
}

// ReadFile loads per-class RAC written by WriteFile. Classes not in the file
// get RAC 0. On any error the current RAC is left untouched.
func (a *Allocator) ReadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open hr info file: %w", err)
	}
	defer f.Close()

	var racs [NumTypes][]float64
	for t := 1; t < NumTypes; t++ {
		racs[t] = make([]float64, len(a.stats[t]))
	}

	cur := -1
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, headerPrefix) {
			name := strings.TrimSpace(strings.TrimPrefix(text, headerPrefix))
			cur = typeByName(name)
			if cur <= 0 {
				return fmt.Errorf("%w: line %d: unknown type %q", ErrBadInfoFile, line, name)
			}
			continue
		}
		if cur < 0 {
			return fmt.Errorf("%w: line %d: class line before header", ErrBadInfoFile, line)
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return fmt.Errorf("%w: line %d: %q", ErrBadInfoFile, line, text)
		}
		c, err := strconv.Atoi(fields[0])
		if err != nil {
			return fmt.Errorf("%w: line %d: class: %w", ErrBadInfoFile, line, err)
		}
		rac, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return fmt.Errorf("%w: line %d: rac: %w", ErrBadInfoFile, line, err)
		}
		if c <= 0 || c >= len(racs[cur]) {
			return fmt.Errorf("%w: line %d: class %d out of range for %s", ErrBadInfoFile, line, c, TypeName(cur))
		}
		racs[cur][c] = rac
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read hr info file: %w", err)
	}

	for t := 1; t < NumTypes; t++ {
		for c, rac := range racs[t] {
			a.stats[t][c].RAC = rac
		}
	}
	return nil
}

func typeByName(name string) int {
	for i, n := range typeNames {
		if n == name {
			return i
		}
	}
	return -1
}
