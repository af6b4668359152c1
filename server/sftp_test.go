package server

import (
	"bytes"
	"io"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"

	"github.com/flux-sftp/flux-sftp/internal/jail"
)

// pipeConn adapts a net.Conn half into the io.Reader/io.WriteCloser shape
// sftp.NewClientPipe wants.
type pipeConn struct {
	net.Conn
}

func (p pipeConn) Close() error { return p.Conn.Close() }

// dialSession starts a Session.Serve goroutine against one end of an
// in-process pipe and returns a real pkg/sftp client driving the other
// end, so these tests exercise the hand-rolled codec in server/protocol.go
// through actual SFTPv3 wire traffic rather than calling handlers directly.
func dialSession(t *testing.T, root string) *sftp.Client {
	t.Helper()

	serverConn, clientConn := net.Pipe()

	sess := NewSession("alice", jail.New(root))
	go func() {
		_ = sess.Serve(serverConn)
	}()

	client, err := sftp.NewClientPipe(clientConn, pipeConn{clientConn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// TestSftp_TraversalNeverEscapesJail exercises spec scenario (i): a
// traversal attempt normalizes to a path still rooted under the jail, so
// opening it resolves to a host path that does not exist rather than
// reaching outside the user's subtree.
func TestSftp_TraversalNeverEscapesJail(t *testing.T) {
	root := t.TempDir()
	client := dialSession(t, root)

	_, err := client.Open("/foo/../../etc/passwd")
	require.Error(t, err)
	require.True(t, os.IsNotExist(err))
}

func TestHandleRealpath_NormalizesTraversal(t *testing.T) {
	sess := NewSession("alice", jail.New(t.TempDir()))

	var buf bytes.Buffer
	require.NoError(t, sess.handleRealpath(&buf, 1, "/foo/../../etc/passwd"))

	packetType, body, err := readPacket(&buf)
	require.NoError(t, err)
	require.EqualValues(t, fxpName, packetType)

	d := &decoder{b: body}
	require.EqualValues(t, 1, d.u32())
	require.EqualValues(t, 1, d.u32()) // count
	require.Equal(t, "/etc/passwd", d.str())
	require.Equal(t, "/etc/passwd", sess.cwd)
}

func TestSftp_WriteThenRead(t *testing.T) {
	root := t.TempDir()
	client := dialSession(t, root)

	f, err := client.OpenFile("/x", os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	require.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f2, err := client.Open("/x")
	require.NoError(t, err)
	defer f2.Close()

	got := make([]byte, 5)
	n, err := f2.Read(got)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(got))

	_, err = f2.Read(make([]byte, 5))
	require.ErrorIs(t, err, io.EOF)
}

func TestSftp_DirectoryListing(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("0123456789"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "b"), 0o755))

	client := dialSession(t, root)

	entries, err := client.ReadDir("/")
	require.NoError(t, err)
	names := make(map[string]os.FileInfo, len(entries))
	for _, e := range entries {
		names[e.Name()] = e
	}
	require.Contains(t, names, "a.txt")
	require.Contains(t, names, "b")
	require.Equal(t, int64(10), names["a.txt"].Size())
	require.True(t, names["b"].IsDir())
}

func TestSftp_MkdirRemoveRmdirRename(t *testing.T) {
	root := t.TempDir()
	client := dialSession(t, root)

	require.NoError(t, client.Mkdir("/sub"))
	require.NoError(t, client.Rename("/sub", "/sub2"))

	_, err := os.Stat(filepath.Join(root, "sub2"))
	require.NoError(t, err)

	require.NoError(t, client.RemoveDirectory("/sub2"))
	_, err = os.Stat(filepath.Join(root, "sub2"))
	require.True(t, os.IsNotExist(err))

	f, err := client.Create("/gone.txt")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, client.Remove("/gone.txt"))
}

// TestSftp_RemoveRefusesDirectory guards spec §4.D: remove is file-only,
// unlike os.Remove it must not fall back to deleting an empty directory.
func TestSftp_RemoveRefusesDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "dir"), 0o755))

	// Drive handleRemove directly: pkg/sftp's Client.Remove retries a
	// Failure answer as RMDIR, which would hide the server's refusal.
	sess := NewSession("alice", jail.New(root))

	var buf bytes.Buffer
	require.NoError(t, sess.handleRemove(&buf, 1, "/dir"))

	packetType, body, err := readPacket(&buf)
	require.NoError(t, err)
	require.EqualValues(t, fxpStatus, packetType)
	d := &decoder{b: body}
	require.EqualValues(t, 1, d.u32())
	require.EqualValues(t, StatusFailure, d.u32())

	_, err = os.Stat(filepath.Join(root, "dir"))
	require.NoError(t, err, "remove must not have deleted the directory")
}

// TestSftp_RmdirRefusesRegularFile guards spec §4.D: rmdir must operate
// only on a directory, unlike os.Remove it must not also delete a file.
func TestSftp_RmdirRefusesRegularFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("x"), 0o644))

	client := dialSession(t, root)

	require.Error(t, client.RemoveDirectory("/f"))
	_, err := os.Stat(filepath.Join(root, "f"))
	require.NoError(t, err, "rmdir must not have deleted the file")
}

// TestSftp_StatPopulatesUidGid guards spec §4.D's attribute table: uid/gid
// must be populated in stat/lstat responses when available.
func TestSftp_StatPopulatesUidGid(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("x"), 0o644))

	client := dialSession(t, root)

	info, err := client.Stat("/f")
	require.NoError(t, err)
	sysInfo, ok := info.Sys().(*sftp.FileStat)
	require.True(t, ok)
	hostInfo, err := os.Stat(filepath.Join(root, "f"))
	require.NoError(t, err)
	hostStat, ok := hostInfo.Sys().(*syscall.Stat_t)
	require.True(t, ok)
	require.Equal(t, hostStat.Uid, sysInfo.UID)
	require.Equal(t, hostStat.Gid, sysInfo.GID)
}

func TestSftp_OpenUnknownPathReturnsNoSuchFile(t *testing.T) {
	root := t.TempDir()
	client := dialSession(t, root)

	_, err := client.Open("/does/not/exist")
	require.Error(t, err)
	require.True(t, os.IsNotExist(err))
}

func TestSftp_StatFollowsAndLstatDoesNotFollowSymlinks(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "real"), []byte("data"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(root, "real"), filepath.Join(root, "link")))

	client := dialSession(t, root)

	statInfo, err := client.Stat("/link")
	require.NoError(t, err)
	require.False(t, statInfo.Mode()&os.ModeSymlink != 0)

	lstatInfo, err := client.Lstat("/link")
	require.NoError(t, err)
	require.True(t, lstatInfo.Mode()&os.ModeSymlink != 0)
}
