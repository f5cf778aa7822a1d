package warehouse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDimensionTables_NaturalKeyIsUniqueAndRequired(t *testing.T) {
	for _, d := range Dimensions() {
		spec, ok := Table(d.Table)
		require.True(t, ok, d.Table)
		require.NotNil(t, spec.PrimaryKey)
		assert.Equal(t, d.SurrogateKey, spec.PrimaryKey.Name)

		nk, ok := spec.Column(d.NaturalKey)
		require.True(t, ok, "%s.%s", d.Table, d.NaturalKey)
		require.NotNil(t, nk.Nullable)
		assert.False(t, *nk.Nullable)

		require.Len(t, spec.Constraints, 1)
		assert.Equal(t, []string{d.NaturalKey}, spec.Constraints[0].Columns)

		_, ok = spec.Column(ColCreatedAt)
		assert.True(t, ok)
		_, ok = spec.Column(ColCreatedBy)
		assert.True(t, ok)
	}
}

func TestFactTables_ReferencesResolveToEarlierDimensions(t *testing.T) {
	seen := map[string]bool{}
	for _, spec := range Tables() {
		for _, c := range spec.Columns {
			if c.References == nil {
				continue
			}
			assert.True(t, seen[c.References.Table], "%s.%s references %s before it is declared", spec.Name, c.Name, c.References.Table)
		}
		seen[spec.Name] = true
	}

	for _, f := range Facts() {
		spec, ok := Table(f.Table)
		require.True(t, ok)
		assert.Equal(t, []string{f.NaturalID}, spec.Constraints[0].Columns)
		_, ok = Table(f.Staging)
		assert.True(t, ok, f.Staging)
	}
}

func TestStagingTables_NoConstraints(t *testing.T) {
	for _, spec := range StagingTables() {
		assert.Equal(t, SchemaStaging, spec.Schema())
		assert.Empty(t, spec.Constraints)
		assert.Nil(t, spec.PrimaryKey)
		ids := spec.IdentityColumns()
		require.Len(t, ids, 1)
		assert.Equal(t, ColStagingRowID, ids[0].Name)
		assert.Nil(t, ids[0].Nullable)
		for _, c := range spec.Columns {
			assert.Nil(t, c.References, "%s.%s", spec.Name, c.Name)
		}
	}
}
