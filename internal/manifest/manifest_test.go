package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acormier/loom/internal/models"
)

func writeManifest(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestParse(t *testing.T) {
	path := writeManifest(t, t.TempDir(), "sales.yaml", `
project: sales-pipeline
nodes:
  - id: orders
    kind: source
    code: |
      orders = { {day = "mon", amount = 120} }
  - id: daily
    kind: transform
    file: daily.lua
`)

	m, err := Parse(path)
	require.NoError(t, err)
	assert.Equal(t, "sales-pipeline", m.Project)
	require.Len(t, m.Nodes, 2)
	assert.Equal(t, "orders", m.Nodes[0].ID)
	assert.Equal(t, "source", m.Nodes[0].Kind)
	assert.Contains(t, m.Nodes[0].Code, "orders = ")
	assert.Equal(t, "daily.lua", m.Nodes[1].File)
}

func TestParse_ProjectDefaultsFromFilename(t *testing.T) {
	path := writeManifest(t, t.TempDir(), "sales.yaml", `
nodes:
  - id: orders
    kind: source
    code: orders = {}
`)

	m, err := Parse(path)
	require.NoError(t, err)
	assert.Equal(t, "sales", m.Project)
}

func TestValidate(t *testing.T) {
	valid := &models.Manifest{
		Project: "sales",
		Nodes: []*models.NodeDef{
			{ID: "orders", Kind: "source", Code: "orders = {}"},
		},
	}
	assert.NoError(t, Validate(valid))

	cases := []struct {
		name string
		m    *models.Manifest
		want string
	}{
		{
			"no nodes",
			&models.Manifest{Project: "sales"},
			"at least one node",
		},
		{
			"missing id",
			&models.Manifest{Project: "sales", Nodes: []*models.NodeDef{{Kind: "source", Code: "x = 1"}}},
			"needs an id",
		},
		{
			"duplicate id",
			&models.Manifest{Project: "sales", Nodes: []*models.NodeDef{
				{ID: "a", Kind: "source", Code: "a = {}"},
				{ID: "a", Kind: "source", Code: "a = {}"},
			}},
			"duplicate",
		},
		{
			"bad kind",
			&models.Manifest{Project: "sales", Nodes: []*models.NodeDef{{ID: "a", Kind: "widget", Code: "a = {}"}}},
			"widget",
		},
		{
			"code and file",
			&models.Manifest{Project: "sales", Nodes: []*models.NodeDef{{ID: "a", Kind: "source", Code: "a = {}", File: "a.lua"}}},
			"mutually exclusive",
		},
		{
			"neither code nor file",
			&models.Manifest{Project: "sales", Nodes: []*models.NodeDef{{ID: "a", Kind: "source"}}},
			"one of code or file",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.m)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestResolveCode(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "sales.yaml", "project: sales\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "daily.lua"), []byte("daily = orders"), 0644))

	inline := &models.NodeDef{ID: "a", Code: "a = 1"}
	code, err := ResolveCode(path, inline)
	require.NoError(t, err)
	assert.Equal(t, "a = 1", code)

	fromFile := &models.NodeDef{ID: "daily", File: "daily.lua"}
	code, err = ResolveCode(path, fromFile)
	require.NoError(t, err)
	assert.Equal(t, "daily = orders", code)

	missing := &models.NodeDef{ID: "gone", File: "gone.lua"}
	_, err = ResolveCode(path, missing)
	assert.Error(t, err)
}
