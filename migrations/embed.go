package main

import (
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var warehouseMigrations embed.FS

// Migration filenames follow 001_name.up.sql / 001_name.down.sql.
var migrationNameRe = regexp.MustCompile(`^(\d{3})_([a-z0-9_]+)\.(up|down)\.sql$`)

// migrationSet wraps the embedded migration files with validation. The
// filesystem is injectable so validation can be tested against synthetic
// trees.
type migrationSet struct {
	fsys fs.FS
}

func newMigrationSet(fsys fs.FS) *migrationSet {
	if fsys == nil {
		fsys = warehouseMigrations
	}

	return &migrationSet{fsys: fsys}
}

// list returns the migration filenames in apply order. A file that does not
// follow the naming standard is an error rather than silently skipped; a
// misnamed migration must fail before it reaches a database.
func (s *migrationSet) list() ([]string, error) {
	entries, err := fs.ReadDir(s.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !migrationNameRe.MatchString(name) {
			return nil, fmt.Errorf("migration %q does not match NNN_name.(up|down).sql", name)
		}

		files = append(files, name)
	}

	sort.Strings(files)

	return files, nil
}

// validate checks that every up migration has a down counterpart and that
// sequence numbers form a gap-free run starting at 001.
func (s *migrationSet) validate() error {
	files, err := s.list()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no embedded migration files found")
	}

	directions := make(map[string]int) // NNN_name -> count of up/down
	sequences := make(map[int]bool)

	for _, name := range files {
		seq, base, err := parseMigrationName(name)
		if err != nil {
			return err
		}

		directions[base]++
		sequences[seq] = true
	}

	for base, n := range directions {
		if n != 2 {
			return fmt.Errorf("migration %s is missing its up or down half", base)
		}
	}

	for seq := 1; seq <= len(sequences); seq++ {
		if !sequences[seq] {
			return fmt.Errorf("gap in migration sequence: %03d is missing", seq)
		}
	}

	return nil
}

// latest returns the highest sequence number carried by this binary.
func (s *migrationSet) latest() int {
	files, err := s.list()
	if err != nil {
		return 0
	}

	highest := 0

	for _, name := range files {
		if seq, _, err := parseMigrationName(name); err == nil && seq > highest {
			highest = seq
		}
	}

	return highest
}

func parseMigrationName(name string) (sequence int, base string, err error) {
	m := migrationNameRe.FindStringSubmatch(name)
	if len(m) != 4 {
		return 0, "", fmt.Errorf("migration %q does not match NNN_name.(up|down).sql", name)
	}

	sequence, err = strconv.Atoi(m[1])
	if err != nil {
		return 0, "", fmt.Errorf("migration %q: bad sequence: %w", name, err)
	}

	return sequence, m[1] + "_" + m[2], nil
}
