package migrations

import (
	"strings"
	"testing"

	"github.com/ehr/carepath/internal/platform/db"
)

func TestEmbeddedMigrationsLoad(t *testing.T) {
	migs, err := db.NewMigratorFS(nil, FS).LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migs) == 0 || migs[0].Version != 1 {
		t.Fatalf("expected migration 1 first, got %+v", migs)
	}
	for _, table := range []string{"episode", "stage_event", "slot", "appointment", "slot_intent", "override_audit", "care_pathway_step"} {
		if !strings.Contains(migs[0].SQL, "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Errorf("expected table %s in %s", table, migs[0].Name)
		}
	}
}
