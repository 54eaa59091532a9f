package tftp

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, fs FileSystem) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	log := logrus.New()
	log.SetOutput(io.Discard)
	server := NewServer(conn, fs, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		server.Serve(ctx)
		close(done)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Log("server did not shut down in time")
		}
	})

	return server.Addr().(*net.UDPAddr)
}

func TestServerEndToEndGetAndPut(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "hello.txt"), []byte("hello from the server"), 0o644))

	dirFS, err := NewDirFS(base)
	require.NoError(t, err)

	addr := startTestServer(t, dirFS)
	client := &Client{Timeout: time.Second}

	var out bytes.Buffer
	require.NoError(t, client.Get(addr, "hello.txt", &out))
	require.Equal(t, "hello from the server", out.String())

	payload := bytes.Repeat([]byte("x"), MaxDataSize*2+10)
	require.NoError(t, client.Put(addr, "uploaded.bin", bytes.NewReader(payload)))

	got, err := os.ReadFile(filepath.Join(base, "uploaded.bin"))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestServerGetMissingFileReturnsError(t *testing.T) {
	base := t.TempDir()
	dirFS, err := NewDirFS(base)
	require.NoError(t, err)

	addr := startTestServer(t, dirFS)
	client := &Client{Timeout: time.Second}

	var out bytes.Buffer
	err = client.Get(addr, "missing.bin", &out)
	require.Error(t, err)
}

func TestServerRejectsPathEscape(t *testing.T) {
	base := t.TempDir()
	dirFS, err := NewDirFS(base)
	require.NoError(t, err)

	addr := startTestServer(t, dirFS)
	client := &Client{Timeout: time.Second}

	var out bytes.Buffer
	err = client.Get(addr, "../../etc/passwd", &out)
	require.Error(t, err)
}

// readOnlyTestFS mirrors cmd/tftpserv's readOnlyFS, exercised here to verify
// the listener surfaces a Create failure as a wire ERROR rather than hanging.
type readOnlyTestFS struct {
	*DirFS
}

func (readOnlyTestFS) Create(name string) (io.WriteCloser, error) {
	return nil, os.ErrPermission
}

func TestServerPathEscapeTakesPrecedenceOverInvalidMode(t *testing.T) {
	base := t.TempDir()
	dirFS, err := NewDirFS(base)
	require.NoError(t, err)

	addr := startTestServer(t, dirFS)

	conn, err := net.ListenUDP("udp", nil)
	require.NoError(t, err)
	defer conn.Close()

	// Both path-escaping and carrying an unrecognized mode: the
	// path-containment failure must win.
	req, err := NewRRQ("../../etc/passwd", "bogus").Encode()
	require.NoError(t, err)
	_, err = conn.WriteTo(req, addr)
	require.NoError(t, err)

	buf := make([]byte, MaxDatagramSize)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := conn.ReadFrom(buf)
	require.NoError(t, err)

	reply, err := Decode(buf[:n])
	require.NoError(t, err)
	require.Equal(t, KindError, reply.Kind)
	require.Equal(t, "filename outside base directory", reply.ErrMsg)
}

func TestServerPutRejectedOnReadOnlyFS(t *testing.T) {
	base := t.TempDir()
	dirFS, err := NewDirFS(base)
	require.NoError(t, err)

	addr := startTestServer(t, readOnlyTestFS{dirFS})
	client := &Client{Timeout: time.Second}

	err = client.Put(addr, "nope.bin", bytes.NewReader([]byte("x")))
	require.Error(t, err)
	require.Contains(t, err.Error(), "server error 2")
}
