package cli

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/ChuLiYu/gridwork/internal/cache"
	"github.com/ChuLiYu/gridwork/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "gridd", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Use] = true
		assert.NotNil(t, c.RunE, "%s should have RunE", c.Use)
	}
	for _, want := range []string{"feeder", "transitioner", "validator", "assimilator", "census", "create-wu", "status"} {
		assert.True(t, names[want], "missing %s command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, defaultConfigFile, configFlag.DefValue)

	debugFlag := cmd.PersistentFlags().Lookup("debug_level")
	require.NotNil(t, debugFlag)
	assert.Equal(t, "d", debugFlag.Shorthand)

	for _, name := range []string{"one_pass", "mod", "sleep_interval"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), "missing --%s", name)
	}
}

func TestParseMod(t *testing.T) {
	tests := []struct {
		in      string
		want    store.Shard
		wantErr bool
	}{
		{"", store.Shard{}, false},
		{"3,1", store.Shard{N: 3, I: 1}, false},
		{" 2, 0", store.Shard{N: 2, I: 0}, false},
		{"3", store.Shard{}, true},
		{"3,3", store.Shard{}, true},
		{"0,0", store.Shard{}, true},
		{"a,b", store.Shard{}, true},
		{"2,-1", store.Shard{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseMod(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadMod)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type project struct {
	dir    string
	config string
}

func newProject(t *testing.T) *project {
	t.Helper()
	dir := t.TempDir()
	p := &project{dir: dir, config: filepath.Join(dir, "gridd.yaml")}
	content := "db:\n" +
		"  type: sqlite\n" +
		"  name: " + filepath.Join(dir, "grid.db") + "\n" +
		"daemon:\n" +
		"  debug_level: 1\n" +
		"  stop_file: " + filepath.Join(dir, "stop_daemons") + "\n" +
		"  reread_file: " + filepath.Join(dir, "reread_db") + "\n" +
		"feeder:\n" +
		"  cache_size: 8\n" +
		"  hr_info_file: " + filepath.Join(dir, "hr_info.txt") + "\n" +
		"  checkpoint_file: " + filepath.Join(dir, "slots.json") + "\n"
	require.NoError(t, os.WriteFile(p.config, []byte(content), 0644))
	return p
}

func (p *project) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append(args, "-c", p.config))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCreateTransitionFeed(t *testing.T) {
	p := newProject(t)

	out, err := p.run(t, "create-wu", "--app", "sim", "--count", "2", "--name", "batch")
	require.NoError(t, err)
	assert.Contains(t, out, "created workunit")

	_, err = p.run(t, "transitioner", "--one_pass")
	require.NoError(t, err)

	out, err = p.run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Apps: 1")
	assert.Contains(t, out, "sim")
	assert.Contains(t, out, "Unsent results: 4")
	assert.Contains(t, out, "Transitions due: 0")

	_, err = p.run(t, "feeder", "--one_pass")
	require.NoError(t, err)

	cp, err := cache.NewCheckpointManager(filepath.Join(p.dir, "slots.json")).Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cp.Size)
	assert.Len(t, cp.Slots, 4)

	_, err = p.run(t, "validator", "--one_pass")
	require.NoError(t, err)
	_, err = p.run(t, "assimilator", "--one_pass")
	require.NoError(t, err)
}

func TestCensusWritesInfoFile(t *testing.T) {
	p := newProject(t)

	out, err := p.run(t, "census")
	require.NoError(t, err)
	assert.Contains(t, out, "HR info written")

	data, err := os.ReadFile(filepath.Join(p.dir, "hr_info.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "--------- os")
}

func TestStopFileEndsDaemon(t *testing.T) {
	p := newProject(t)
	require.NoError(t, os.WriteFile(filepath.Join(p.dir, "stop_daemons"), nil, 0644))

	// without --one_pass this would loop; the stop file ends it before the first pass
	_, err := p.run(t, "transitioner")
	assert.NoError(t, err)
}

func TestCreateWUValidatesFlags(t *testing.T) {
	p := newProject(t)

	_, err := p.run(t, "create-wu")
	assert.Error(t, err)

	_, err = p.run(t, "create-wu", "--app", "sim", "--min_quorum", "3", "--target_nresults", "2")
	assert.Error(t, err)
}

func TestBadModIsRejected(t *testing.T) {
	p := newProject(t)
	_, err := p.run(t, "transitioner", "--one_pass", "--mod", "2,5")
	assert.ErrorIs(t, err, ErrBadMod)
}

func TestExplicitMissingConfigFails(t *testing.T) {
	cmd := BuildCLI()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"status", "-c", filepath.Join(t.TempDir(), "absent.yaml")})
	assert.Error(t, cmd.ExecuteContext(context.Background()))
}

func TestUnknownComparatorIsConfigError(t *testing.T) {
	p := newProject(t)
	t.Setenv("GRIDD_VALIDATOR_COMPARATOR", "bitwise")
	_, err := p.run(t, "validator", "--one_pass")
	assert.Error(t, err)
}
