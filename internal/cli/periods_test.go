package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodsCommand_ListsCalendar(t *testing.T) {
	fixture := newFixture(t)

	out, err := fixture.run(t, "periods")
	require.NoError(t, err)
	assert.Contains(t, out, "Calendar 2024-2025 (2 period(s))")
	assert.Contains(t, out, "2024-T1")
	assert.Contains(t, out, "locked")
	assert.Contains(t, out, "2024-T2")
	assert.Contains(t, out, "open")
}

func TestPeriodsCommand_JSONOutput(t *testing.T) {
	fixture := newFixture(t)

	out, err := fixture.run(t, "periods", "--format", "json")
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "2024-2025", data["year"])

	periods, ok := data["periods"].([]interface{})
	require.True(t, ok)
	require.Len(t, periods, 2)

	first := periods[0].(map[string]interface{})
	assert.Equal(t, "2024-T1", first["id"])
	assert.Equal(t, true, first["locked"])
}

func TestPeriodsCommand_MissingCalendar(t *testing.T) {
	fixture := newFixture(t)
	fixture.calendar = filepath.Join(t.TempDir(), "nope.cue")

	out, err := fixture.run(t, "periods")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E004]")
}

func TestPeriodsCommand_InvalidCalendarContent(t *testing.T) {
	fixture := newFixture(t)
	invalid := `calendar: periods: [
	{id: "2024-T1", start: "2024-13-40", end: "2024-12-20"},
]
`
	require.NoError(t, os.WriteFile(fixture.calendar, []byte(invalid), 0o644))

	out, err := fixture.run(t, "periods")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [E004]")
}

func TestPeriodsCommand_OverlappingPeriodsRejected(t *testing.T) {
	fixture := newFixture(t)
	overlapping := `calendar: {
	year: "2024-2025"
	periods: [
		{id: "2024-T1", name: "Autumn", start: "2024-09-02", end: "2024-12-20"},
		{id: "2024-T2", name: "Winter", start: "2024-12-01", end: "2025-03-28"},
	]
}
`
	require.NoError(t, os.WriteFile(fixture.calendar, []byte(overlapping), 0o644))

	out, err := fixture.run(t, "periods")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "Error [E004]")
	assert.Contains(t, out, "overlap")
}
