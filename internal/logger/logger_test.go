package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureOutput redirects logger output to a buffer for testing.
// Returns the buffer and a cleanup function to restore original output.
func captureOutput() (*bytes.Buffer, func()) {
	buf := new(bytes.Buffer)

	mu.Lock()
	originalOutput := output
	originalColor := useColor
	output = buf
	useColor = false // Disable colors for easier testing
	mu.Unlock()

	// Reconfigure with new output
	reconfigure()

	cleanup := func() {
		mu.Lock()
		output = originalOutput
		useColor = originalColor
		mu.Unlock()
		reconfigure()
	}

	return buf, cleanup
}

func TestLevelFiltering(t *testing.T) {
	t.Run("DebugLevelShowsAllMessages", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("DEBUG")

		Debug("debug message")
		Info("info message")
		Warn("warn message")
		Error("error message")

		out := buf.String()
		assert.Contains(t, out, "debug message")
		assert.Contains(t, out, "info message")
		assert.Contains(t, out, "warn message")
		assert.Contains(t, out, "error message")
	})

	t.Run("WarnLevelHidesDebugAndInfo", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("WARN")

		Debug("debug message")
		Info("info message")
		Warn("warn message")
		Error("error message")

		out := buf.String()
		assert.NotContains(t, out, "debug message")
		assert.NotContains(t, out, "info message")
		assert.Contains(t, out, "warn message")
		assert.Contains(t, out, "error message")
	})

	t.Run("ErrorAlwaysLogged", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("ERROR")

		Error("error message")

		assert.Contains(t, buf.String(), "error message")
	})

	t.Run("InvalidLevelIgnored", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		SetLevel("VERBOSE") // should be a no-op

		Info("still visible")
		assert.Contains(t, buf.String(), "still visible")
	})
}

func TestFormats(t *testing.T) {
	t.Run("TextFormatIsHumanReadable", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		SetFormat("text")

		Info("upload complete", KeyFilename, "notes.txt", KeySize, 42)

		out := buf.String()
		assert.Contains(t, out, "[INFO]")
		assert.Contains(t, out, "upload complete")
		assert.Contains(t, out, "filename=notes.txt")
		assert.Contains(t, out, "size=42")
	})

	t.Run("JSONFormatProducesValidJSON", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		SetFormat("json")
		defer SetFormat("text")

		Info("upload complete", KeyFilename, "notes.txt", KeySize, 42)

		var record map[string]any
		line := strings.TrimSpace(buf.String())
		require.NoError(t, json.Unmarshal([]byte(line), &record))
		assert.Equal(t, "upload complete", record["msg"])
		assert.Equal(t, "notes.txt", record["filename"])
		assert.Equal(t, float64(42), record["size"])
	})

	t.Run("InvalidFormatIgnored", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetFormat("text")
		SetFormat("xml") // should be a no-op

		Info("text still works")
		assert.Contains(t, buf.String(), "[INFO]")
	})
}

func TestFieldConstructors(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("INFO")
	SetFormat("text")

	logger := With(
		Username("alice"),
		ConnID("c-123"),
	)
	logger.Info("client connected",
		Remote("127.0.0.1:55000"),
		Seq(7),
		Bytes(4096),
	)

	out := buf.String()
	assert.Contains(t, out, "username=alice")
	assert.Contains(t, out, "conn_id=c-123")
	assert.Contains(t, out, "remote=127.0.0.1:55000")
	assert.Contains(t, out, "seq=7")
	assert.Contains(t, out, "bytes=4096")
}

func TestErrAttr(t *testing.T) {
	t.Run("NilErrorProducesEmptyAttr", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		Info("no problem here", Err(nil))

		assert.NotContains(t, buf.String(), "error=")
	})

	t.Run("ErrorMessageLogged", func(t *testing.T) {
		buf, cleanup := captureOutput()
		defer cleanup()

		SetLevel("INFO")
		Info("something broke", Err(assert.AnError))

		assert.Contains(t, buf.String(), "error=")
	})
}

func TestDuration(t *testing.T) {
	start := time.Now().Add(-50 * time.Millisecond)
	ms := Duration(start)
	assert.GreaterOrEqual(t, ms, 50.0)
	assert.Less(t, ms, 5000.0)
}

func TestConcurrentLogging(t *testing.T) {
	buf, cleanup := captureOutput()
	defer cleanup()

	SetLevel("INFO")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				Info("concurrent message", KeySeq, j)
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 8*50)
	for _, line := range lines {
		assert.Contains(t, line, "concurrent message")
	}
}
