package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"cronwrap/internal/core"
	"cronwrap/internal/schedule"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
tasks:
  - name: nightly cleanup
    command: yii
    action: cleanup
    params:
      - name: days
        value: 7
      - name: dry_run
        value: "no"
    cron: "@daily"
    unique: true
    output: /var/log/cleanup.log
  - command: /usr/local/bin/backup
    cron: "*/15 * * * *"
  - command: heartbeat
`

func writeRegistry(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFileTasks(t *testing.T) {
	reg := NewFile(writeRegistry(t, "tasks.yaml", sampleYAML), "")
	tasks, err := reg.Tasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	cleanup := tasks[0]
	assert.Equal(t, "nightly cleanup", cleanup.DisplayName())
	assert.Equal(t, "0 0 * * *", cleanup.Schedule())
	assert.True(t, cleanup.IsUnique())
	assert.Equal(t, "/var/log/cleanup.log", cleanup.Output())
	assert.Equal(t, []string{"cleanup", "--days=7", "--dry_run=no"}, cleanup.Args())

	want, err := core.Identity(core.DefaultHash, "yii", "cleanup",
		[]core.Param{{Name: "days", Value: "7"}, {Name: "dry_run", Value: "no"}})
	require.NoError(t, err)
	assert.Equal(t, want, cleanup.Identity())

	assert.Equal(t, "*/15 * * * *", tasks[1].Schedule())
	assert.Equal(t, "* * * * *", tasks[2].Schedule())
	assert.Equal(t, tasks[2].Identity(), tasks[2].DisplayName())
}

func TestFileLookup(t *testing.T) {
	reg := NewFile(writeRegistry(t, "tasks.yml", sampleYAML), "sha256")
	tasks, err := reg.Tasks(context.Background())
	require.NoError(t, err)
	assert.Len(t, tasks[0].Identity(), 64)

	got, err := reg.Lookup(context.Background(), tasks[1].Identity())
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/backup", got.Command())

	_, err = reg.Lookup(context.Background(), "0000000000000000")
	assert.ErrorIs(t, err, core.ErrTaskNotFound)
}

func TestFileReloadsOnEveryCall(t *testing.T) {
	path := writeRegistry(t, "tasks.yaml", "tasks:\n  - command: a\n")
	reg := NewFile(path, "")
	tasks, err := reg.Tasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	require.NoError(t, os.WriteFile(path, []byte("tasks:\n  - command: a\n  - command: b\n"), 0o644))
	tasks, err = reg.Tasks(context.Background())
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestParseJSON(t *testing.T) {
	tasks, err := Parse("tasks.json", []byte(`{"tasks":[{"command":"yii","cron":"0 3 * * 1-5"}]}`), "")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "0 3 * * 1-5", tasks[0].Schedule())
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name    string
		file    string
		content string
		is      error
	}{
		{name: "unknown task key", file: "t.yaml", content: "tasks:\n  - command: a\n    timeout: 5\n"},
		{name: "unknown top-level key", file: "t.yaml", content: "jobs: []\n"},
		{name: "trailing json", file: "t.json", content: `{"tasks":[]} {}`},
		{name: "bad yaml", file: "t.yaml", content: "tasks: [\n"},
		{name: "bad cron", file: "t.yaml", content: "tasks:\n  - command: a\n    cron: '* * *'\n", is: schedule.ErrInvalidSchedule},
		{name: "bad command", file: "t.yaml", content: "tasks:\n  - command: 'rm -rf /'\n", is: core.ErrInvalidTaskDefinition},
		{name: "duplicate identity", file: "t.yaml", content: "tasks:\n  - command: a\n    name: one\n  - command: a\n    name: two\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.file, []byte(tc.content), "")
			require.Error(t, err)
			if tc.is != nil {
				assert.ErrorIs(t, err, tc.is)
			}
		})
	}
}

func TestParamValuesKeepSourceText(t *testing.T) {
	want := []core.Param{
		{Name: "code", Value: "0755"},
		{Name: "ver", Value: "1.0"},
		{Name: "ratio", Value: "1.50"},
		{Name: "big", Value: "12345678901234567890"},
		{Name: "flag", Value: "true"},
		{Name: "empty", Value: ""},
	}
	wantID, err := core.Identity(core.DefaultHash, "tool", "", want)
	require.NoError(t, err)

	cases := map[string]string{
		"tasks.yaml": `
tasks:
  - command: tool
    params:
      - {name: code, value: 0755}
      - {name: ver, value: 1.0}
      - {name: ratio, value: 1.50}
      - {name: big, value: 12345678901234567890}
      - {name: flag, value: true}
      - {name: empty, value: ~}
`,
		"tasks.json": `{"tasks": [{"command": "tool", "params": [
  {"name": "code", "value": "0755"},
  {"name": "ver", "value": 1.0},
  {"name": "ratio", "value": 1.50},
  {"name": "big", "value": 12345678901234567890},
  {"name": "flag", "value": true},
  {"name": "empty", "value": null}
]}]}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			tasks, err := Parse(name, []byte(content), "")
			require.NoError(t, err)
			require.Len(t, tasks, 1)
			assert.Equal(t, want, tasks[0].Params())
			assert.Equal(t, []string{
				"--code=0755", "--ver=1.0", "--ratio=1.50",
				"--big=12345678901234567890", "--flag=true", "--empty=",
			}, tasks[0].Args())
			assert.Equal(t, wantID, tasks[0].Identity())
		})
	}
}
