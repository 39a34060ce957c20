package store

import (
	"io/fs"
	"path"
	"regexp"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)

	for _, dialect := range []Dialect{DialectPostgres, DialectSQLite} {
		entries, err := fs.ReadDir(migrationFS, path.Join("migrations", string(dialect)))
		if err != nil {
			t.Fatalf("read %s migrations: %v", dialect, err)
		}

		byVersion := map[string]map[string]bool{}
		for _, entry := range entries {
			match := pattern.FindStringSubmatch(entry.Name())
			if match == nil {
				continue
			}
			version, direction := match[1], match[2]
			if byVersion[version] == nil {
				byVersion[version] = map[string]bool{}
			}
			if byVersion[version][direction] {
				t.Fatalf("%s: duplicate %s migration file for version %s", dialect, direction, version)
			}
			byVersion[version][direction] = true
		}

		if len(byVersion) == 0 {
			t.Fatalf("%s: no migrations discovered", dialect)
		}
		for version, dirs := range byVersion {
			if !dirs["up"] || !dirs["down"] {
				t.Fatalf("%s: version %s must include both up and down files", dialect, version)
			}
		}
	}
}

func TestDialectsShareMigrationVersions(t *testing.T) {
	pg, err := migrationFiles(DialectPostgres, ".up.sql")
	if err != nil {
		t.Fatal(err)
	}
	lite, err := migrationFiles(DialectSQLite, ".up.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(pg) != len(lite) {
		t.Fatalf("postgres has %d migrations, sqlite has %d", len(pg), len(lite))
	}
	for i := range pg {
		if path.Base(pg[i]) != path.Base(lite[i]) {
			t.Fatalf("migration %d differs: %s vs %s", i, path.Base(pg[i]), path.Base(lite[i]))
		}
	}
}
