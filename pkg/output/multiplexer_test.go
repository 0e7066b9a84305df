package output

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMuxPrefixesLinesWithProcessName(t *testing.T) {
	var out, errOut bytes.Buffer
	var mu sync.Mutex
	m := New("demo", &out, &errOut, &mu)

	stdout := strings.NewReader("line one\nline two\n")
	stderr := strings.NewReader("oops\n")

	m.Start(stdout, stderr)
	require.NoError(t, m.Wait())

	assert.Equal(t, "demo | line one\ndemo | line two\n", out.String())
	assert.Equal(t, "demo | oops\n", errOut.String())
}

func TestMuxReplacesInvalidUTF8(t *testing.T) {
	var out bytes.Buffer
	var errOut bytes.Buffer
	var mu sync.Mutex
	m := New("bin", &out, &errOut, &mu)

	bad := bytes.NewReader([]byte{'h', 'i', 0xff, '\n'})
	m.Start(bad, strings.NewReader(""))
	require.NoError(t, m.Wait())

	assert.Contains(t, out.String(), "bin | hi")
	assert.NotContains(t, out.String(), string([]byte{0xff}))
}

func TestMuxWaitReturnsOnEmptyStreams(t *testing.T) {
	var out, errOut bytes.Buffer
	var mu sync.Mutex
	m := New("demo", &out, &errOut, &mu)
	m.Start(strings.NewReader(""), strings.NewReader(""))
	require.NoError(t, m.Wait())
	assert.Empty(t, out.String())
}
