package sdnotify

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "wegent/pkg/logx"
)

func TestNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	n := New(logx.Nop())
	assert.False(t, n.Ready())
	assert.False(t, n.Stopping())

	t.Setenv("WATCHDOG_USEC", "")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, n.RunWatchdog(ctx))
	assert.NoError(t, ctx.Err())
}

func TestSendsStates(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sock, Net: "unixgram"})
	require.NoError(t, err)
	defer conn.Close()
	t.Setenv("NOTIFY_SOCKET", sock)

	read := func() string {
		buf := make([]byte, 256)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		n, err := conn.Read(buf)
		require.NoError(t, err)
		return string(buf[:n])
	}

	var n Notifier
	assert.True(t, n.Ready())
	assert.Equal(t, "READY=1", read())
	assert.True(t, n.Status("ticking every %s", time.Minute))
	assert.Equal(t, "STATUS=ticking every 1m0s", read())
	assert.True(t, n.Stopping())
	assert.Equal(t, "STOPPING=1", read())
}
