package vm

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellChannelRunParsesStatusAndOutput(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sc := newShellChannel(client)

	go func() {
		buf := make([]byte, 4096)
		n, err := server.Read(buf)
		require.NoError(t, err)
		assert.Contains(t, string(buf[:n]), "( true ); echo '|!=EOF' $?")
		server.Write([]byte("hello\n|!=EOF 0"))
	}()

	status, output, err := sc.run("true")
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.Equal(t, "hello\n", output)
}

func TestShellChannelRunNonZeroStatus(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sc := newShellChannel(client)

	go func() {
		buf := make([]byte, 4096)
		server.Read(buf)
		server.Write([]byte("|!=EOF 7"))
	}()

	status, output, err := sc.run("false")
	require.NoError(t, err)
	assert.Equal(t, 7, status)
	assert.Equal(t, "", output)
}

func TestShellChannelRunSplitAcrossMultipleReads(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sc := newShellChannel(client)

	go func() {
		buf := make([]byte, 4096)
		server.Read(buf)
		server.Write([]byte("partial output "))
		time.Sleep(10 * time.Millisecond)
		server.Write([]byte("more\n|!=EOF 0"))
	}()

	status, output, err := sc.run("echo")
	require.NoError(t, err)
	assert.Equal(t, 0, status)
	assert.Equal(t, "partial output more\n", output)
}
