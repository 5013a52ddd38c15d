package console

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkers(t *testing.T) {
	var out bytes.Buffer
	c := New(&out)

	c.Progress("Starting %s", "server2")
	c.Success("%s is ready", "server2")
	c.Failure("client exited with code %d", 7)
	c.Warn("port %d busy", 3002)
	c.Hint("install just first")

	want := "→ Starting server2\n" +
		"✓ server2 is ready\n" +
		"✗ client exited with code 7\n" +
		"! port 3002 busy\n" +
		"  install just first\n"
	assert.Equal(t, want, out.String())
}

func TestBannerAndRule(t *testing.T) {
	var out bytes.Buffer
	c := Plain(&out)

	c.Banner("chainrun: myco")
	c.Rule()
	c.Blank()

	lines := strings.Split(out.String(), "\n")
	assert.Equal(t, "chainrun: myco", lines[0])
	assert.Equal(t, strings.Repeat("=", 50), lines[1])
	assert.Equal(t, strings.Repeat("-", 50), lines[2])
	assert.Equal(t, "", lines[3])
}

func TestNonTerminalIsUnstyled(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	c := New(f)
	assert.False(t, c.styled, "a regular file is not a terminal")
}

func TestSinkSharedWithRelays(t *testing.T) {
	var out bytes.Buffer
	c := Plain(&out)

	c.Progress("Starting server2")
	c.Sink().Relay("server2").Write([]byte("Server2 listening on 3004\n"))
	c.Success("server2 is ready")

	assert.Equal(t, "→ Starting server2\n[server2] Server2 listening on 3004\n✓ server2 is ready\n", out.String())
}
