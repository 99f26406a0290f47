package vm

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorChannelPrimeReadsInitialPrompt(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	mc := newMonitorChannel(client)
	go server.Write([]byte("QEMU 8.0 monitor\n(qemu) "))

	reply, err := mc.prime()
	require.NoError(t, err)
	assert.Equal(t, "QEMU 8.0 monitor\n(qemu) ", reply)
}

func TestMonitorChannelSendReadsUntilPrompt(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	mc := newMonitorChannel(client)

	go func() {
		buf := make([]byte, 1024)
		n, err := server.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "quit\n", string(buf[:n]))
		server.Write([]byte("(qemu) "))
	}()

	reply, err := mc.send("quit")
	require.NoError(t, err)
	assert.Equal(t, "(qemu) ", reply)
}

func TestMonitorChannelReturnsProtocolErrorOnEarlyClose(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	mc := newMonitorChannel(client)
	go func() {
		server.Write([]byte("half a rep"))
		server.Close()
	}()

	_, err := mc.prime()
	require.Error(t, err)
	var protoErr *MonitorProtocolError
	assert.ErrorAs(t, err, &protoErr)
}
