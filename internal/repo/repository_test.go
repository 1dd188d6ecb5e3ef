package repo_test

import (
	"testing"

	"github.com/hamed0406/sitewatch/internal/repo"
	"github.com/hamed0406/sitewatch/internal/repo/memory"
	pg "github.com/hamed0406/sitewatch/internal/repo/postgres"
	"github.com/hamed0406/sitewatch/internal/repo/sqlite"
)

// Compile-time interface satisfaction checks.
// Using external test package avoids import cycle.
func TestInterfaceSatisfaction(t *testing.T) {
	var _ repo.StateStore = memory.New()
	var _ repo.DeliveryLog = memory.New()

	var _ repo.StateStore = (*pg.Store)(nil)
	var _ repo.DeliveryLog = (*pg.Store)(nil)

	var _ repo.StateStore = (*sqlite.Store)(nil)
	var _ repo.DeliveryLog = (*sqlite.Store)(nil)
}
