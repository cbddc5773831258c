package dnsrelay

import (
	"bufio"
	"os"
)

// RuleLoader supplies the raw lines of an override rule file. The table
// doesn't care where the lines come from, only that Load returns them in
// file order: fan-out answer order for rules sharing a (domain, qtype)
// depends on it (spec.md §4.2).
//
// Grounded on the teacher's BlocklistLoader interface (blocklistloader.go)
// and its FileLoader implementation (blocklistloader-local.go), narrowed to
// the one loading mechanism spec.md §6 calls for: a local rule file.
type RuleLoader interface {
	Load() ([]string, error)
}

// FileLoader reads override rules from a local file, one rule per line.
type FileLoader struct {
	Filename string
}

// NewFileLoader returns a loader that reads rules from filename.
func NewFileLoader(filename string) *FileLoader {
	return &FileLoader{Filename: filename}
}

func (l *FileLoader) Load() ([]string, error) {
	Log.Debug("loading override database", "file", l.Filename)
	f, err := os.Open(l.Filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	Log.Debug("completed loading override database", "file", l.Filename, "lines", len(lines))
	return lines, nil
}
