package output

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixtureTable is a minimal TableRenderer for tests.
type fixtureTable [][]string

func (fixtureTable) Headers() []string  { return []string{"NAME", "SIZE"} }
func (f fixtureTable) Rows() [][]string { return f }

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintTable(&buf, fixtureTable{{"notes.txt", "12"}, {"photo.jpg", "4096"}}))

	out := buf.String()
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "SIZE")
	assert.Contains(t, out, "notes.txt")
	assert.Contains(t, out, "4096")
}

func TestPrintTableEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, PrintTable(&buf, fixtureTable{}))
	assert.Contains(t, buf.String(), "NAME")
}
