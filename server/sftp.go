package server

import (
	"fmt"
	"io"
	"log"
	"os"
	"syscall"

	"github.com/flux-sftp/flux-sftp/internal/handles"
	"github.com/flux-sftp/flux-sftp/internal/jail"
)

// protocolVersion is the only SFTPv3 version flux-sftp negotiates.
const protocolVersion = 3

// Session is a per-channel SFTP session (spec §4.D): it tracks a virtual
// cwd reported by realpath, and owns a handle table (spec §4.C) closed
// when the channel goes away. Every path the client sends is resolved
// through a Jail (spec §4.B) rooted at this user's subtree before it
// touches the host filesystem.
type Session struct {
	user    string
	jail    jail.Jail
	handles *handles.Table
	cwd     string
}

// NewSession constructs a fresh SFTP session rooted at jailed, for the
// given authenticated user (used only for log lines).
func NewSession(user string, jailed jail.Jail) *Session {
	return &Session{user: user, jail: jailed, handles: handles.New(), cwd: "/"}
}

// Serve drives the SFTPv3 request loop over rw until it returns EOF or a
// framing error. It always closes every handle still open on exit so an
// abrupt disconnect never leaks a descriptor (spec §5 scenario vi).
func (s *Session) Serve(rw io.ReadWriter) error {
	defer s.handles.CloseAll()

	if err := s.handshake(rw); err != nil {
		return err
	}

	for {
		packetType, body, err := readPacket(rw)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("sftp: read packet: %w", err)
		}

		if err := s.dispatch(rw, packetType, body); err != nil {
			return fmt.Errorf("sftp: write response: %w", err)
		}
	}
}

func (s *Session) handshake(rw io.ReadWriter) error {
	packetType, body, err := readPacket(rw)
	if err != nil {
		return fmt.Errorf("sftp: read init: %w", err)
	}
	if packetType != fxpInit {
		return fmt.Errorf("sftp: expected SSH_FXP_INIT, got type %d", packetType)
	}
	d := &decoder{b: body}
	clientVersion := d.u32()
	log.Printf("[DEBUG] sftp[%s]: client requested version %d", s.user, clientVersion)

	e := &encoder{}
	e.u32(protocolVersion)
	return writePacket(rw, fxpVersion, e.b)
}

// dispatch decodes one request by opcode and writes exactly one response
// packet. Requests the session does not implement answer OpUnsupported
// (spec §4.D request table, "unimplemented ops" row).
func (s *Session) dispatch(w io.Writer, packetType byte, body []byte) error {
	d := &decoder{b: body}
	id := d.u32()

	switch packetType {
	case fxpRealpath:
		return s.handleRealpath(w, id, d.str())
	case fxpOpen:
		return s.handleOpen(w, id, d)
	case fxpClose:
		return s.handleClose(w, id, d.str())
	case fxpRead:
		return s.handleRead(w, id, d)
	case fxpWrite:
		return s.handleWrite(w, id, d)
	case fxpOpendir:
		return s.handleOpendir(w, id, d.str())
	case fxpReaddir:
		return s.handleReaddir(w, id, d.str())
	case fxpStat:
		return s.handleStat(w, id, d.str(), true)
	case fxpLstat:
		return s.handleStat(w, id, d.str(), false)
	case fxpFstat:
		return s.handleFstat(w, id, d.str())
	case fxpRemove:
		return s.handleRemove(w, id, d.str())
	case fxpMkdir:
		return s.handleMkdir(w, id, d)
	case fxpRmdir:
		return s.handleRmdir(w, id, d.str())
	case fxpRename:
		return s.handleRename(w, id, d)
	default:
		return writeStatus(w, id, StatusOpUnsupported, "operation not supported")
	}
}

func (s *Session) resolve(virtualPath string) string {
	return s.jail.Resolve(virtualPath)
}

// handleRealpath resolves path and reports it back as cwd (spec §4.D:
// "Updates session cwd"). cwd is reporting-only — every other request
// still carries its own absolute virtual path.
func (s *Session) handleRealpath(w io.Writer, id uint32, path string) error {
	resolved := jail.Normalize(path)
	s.cwd = resolved
	return writeName(w, id, []nameEntry{{
		Filename: resolved,
		Longname: resolved,
	}})
}

// handleOpen maps SFTPv3 pflags to host open flags (spec §4.D open-flag
// mapping table). EXCLUDE is a pre-existence check, not O_EXCL, matching
// the spec's documented TOCTOU-accepting design (§9 open question 5).
func (s *Session) handleOpen(w io.Writer, id uint32, d *decoder) error {
	virtualPath := d.str()
	pflags := d.u32()
	_ = d.attrs() // attrs on open are not honored by this profile

	hostPath := s.resolve(virtualPath)

	if pflags&sshFxfExcl != 0 {
		if _, err := os.Stat(hostPath); err == nil {
			return writeStatus(w, id, StatusFailure, "file already exists")
		}
	}

	var flag int
	switch {
	case pflags&sshFxfRead != 0 && pflags&sshFxfWrite != 0:
		flag = os.O_RDWR
	case pflags&sshFxfWrite != 0:
		flag = os.O_WRONLY
	default:
		flag = os.O_RDONLY
	}
	if pflags&sshFxfCreat != 0 {
		flag |= os.O_CREATE
	}
	if pflags&sshFxfTrunc != 0 {
		flag |= os.O_TRUNC
	}
	if pflags&sshFxfAppend != 0 {
		flag |= os.O_APPEND
	}

	f, err := os.OpenFile(hostPath, flag, 0o644)
	if err != nil {
		return writeStatus(w, id, mapHostError(err), err.Error())
	}

	handleID := s.handles.Insert(virtualPath, handles.Handle{File: f})
	return writeHandle(w, id, handleID)
}

// handleClose is always Ok, even for an unknown handle id (spec §4.D,
// §9 open question 4: the tolerant policy).
func (s *Session) handleClose(w io.Writer, id uint32, handleID string) error {
	if h, ok := s.handles.Get(handleID); ok {
		if h.File != nil {
			if err := h.File.Close(); err != nil {
				log.Printf("[WARN] sftp[%s]: error closing handle %s: %v", s.user, handleID, err)
			}
		}
		s.handles.Remove(handleID)
	}
	return writeStatus(w, id, StatusOk, "")
}

func (s *Session) handleRead(w io.Writer, id uint32, d *decoder) error {
	handleID := d.str()
	offset := d.u64()
	length := d.u32()

	h, ok := s.handles.Get(handleID)
	if !ok || h.File == nil {
		return writeStatus(w, id, StatusFailure, "unknown handle")
	}

	buf := make([]byte, length)
	n, err := h.File.ReadAt(buf, int64(offset))
	if n > 0 {
		return writeData(w, id, buf[:n])
	}
	if err == io.EOF {
		return writeStatus(w, id, StatusEOF, "EOF")
	}
	if err != nil {
		return writeStatus(w, id, mapHostError(err), err.Error())
	}
	return writeData(w, id, buf[:n])
}

func (s *Session) handleWrite(w io.Writer, id uint32, d *decoder) error {
	handleID := d.str()
	offset := d.u64()
	data := d.bytes()

	h, ok := s.handles.Get(handleID)
	if !ok || h.File == nil {
		return writeStatus(w, id, StatusFailure, "unknown handle")
	}

	if _, err := h.File.WriteAt(data, int64(offset)); err != nil {
		return writeStatus(w, id, mapHostError(err), err.Error())
	}
	return writeStatus(w, id, StatusOk, "")
}

// handleOpendir snapshots the directory's entries once, at open time
// (spec §4.D "Enumerator initialized at first entry"; §9 open question
// 3 explains why the snapshot is taken up front rather than streamed).
func (s *Session) handleOpendir(w io.Writer, id uint32, virtualPath string) error {
	hostPath := s.resolve(virtualPath)

	entries, err := os.ReadDir(hostPath)
	if err != nil {
		return writeStatus(w, id, mapHostError(err), err.Error())
	}

	infos := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}

	handleID := s.handles.Insert(virtualPath, handles.Handle{Dir: &handles.Dir{Entries: infos}})
	return writeHandle(w, id, handleID)
}

// handleReaddir returns exactly one entry per call (spec §4.D "readdir
// one-at-a-time policy"), Eof once the enumerator is exhausted.
func (s *Session) handleReaddir(w io.Writer, id uint32, handleID string) error {
	h, ok := s.handles.Get(handleID)
	if !ok || h.Dir == nil {
		return writeStatus(w, id, StatusFailure, "unknown directory handle")
	}

	info, ok := h.Dir.Next()
	if !ok {
		return writeStatus(w, id, StatusEOF, "EOF")
	}

	return writeName(w, id, []nameEntry{{
		Filename: info.Name(),
		Longname: longname(info),
		Attrs:    attrsFromFileInfo(info),
	}})
}

func (s *Session) handleStat(w io.Writer, id uint32, virtualPath string, followSymlinks bool) error {
	hostPath := s.resolve(virtualPath)

	var info os.FileInfo
	var err error
	if followSymlinks {
		info, err = os.Stat(hostPath)
	} else {
		info, err = os.Lstat(hostPath)
	}
	if err != nil {
		return writeStatus(w, id, mapHostError(err), err.Error())
	}
	return writeAttrs(w, id, attrsFromStat(info))
}

func (s *Session) handleFstat(w io.Writer, id uint32, handleID string) error {
	h, ok := s.handles.Get(handleID)
	if !ok {
		return writeStatus(w, id, StatusFailure, "unknown handle")
	}

	var info os.FileInfo
	var err error
	switch {
	case h.File != nil:
		info, err = h.File.Stat()
	default:
		return writeStatus(w, id, StatusFailure, "fstat on a directory handle")
	}
	if err != nil {
		return writeStatus(w, id, mapHostError(err), err.Error())
	}
	return writeAttrs(w, id, attrsFromFileInfo(info))
}

// handleRemove is file-only (spec §4.D): unlike os.Remove, it must refuse
// a directory rather than silently rmdir-ing it.
func (s *Session) handleRemove(w io.Writer, id uint32, virtualPath string) error {
	hostPath := s.resolve(virtualPath)
	info, err := os.Lstat(hostPath)
	if err != nil {
		return writeStatus(w, id, mapHostError(err), err.Error())
	}
	if info.IsDir() {
		return writeStatus(w, id, StatusFailure, "remove: is a directory")
	}
	if err := os.Remove(hostPath); err != nil {
		return writeStatus(w, id, mapHostError(err), err.Error())
	}
	return writeStatus(w, id, StatusOk, "")
}

// handleMkdir ignores the request's attrs entirely (spec §4.D "mkdir ...
// Ignores attrs"); the field is still decoded so later reads in the same
// packet (there are none today) would stay aligned.
func (s *Session) handleMkdir(w io.Writer, id uint32, d *decoder) error {
	virtualPath := d.str()
	_ = d.attrs()

	hostPath := s.resolve(virtualPath)
	if err := os.Mkdir(hostPath, 0o755); err != nil {
		return writeStatus(w, id, mapHostError(err), err.Error())
	}
	return writeStatus(w, id, StatusOk, "")
}

// handleRmdir must operate only on an (empty) directory (spec §4.D):
// unlike os.Remove, it must refuse a regular file.
func (s *Session) handleRmdir(w io.Writer, id uint32, virtualPath string) error {
	hostPath := s.resolve(virtualPath)
	info, err := os.Lstat(hostPath)
	if err != nil {
		return writeStatus(w, id, mapHostError(err), err.Error())
	}
	if !info.IsDir() {
		return writeStatus(w, id, StatusFailure, "rmdir: not a directory")
	}
	if err := os.Remove(hostPath); err != nil {
		return writeStatus(w, id, mapHostError(err), err.Error())
	}
	return writeStatus(w, id, StatusOk, "")
}

func (s *Session) handleRename(w io.Writer, id uint32, d *decoder) error {
	oldPath := s.resolve(d.str())
	newPath := s.resolve(d.str())
	if err := os.Rename(oldPath, newPath); err != nil {
		return writeStatus(w, id, mapHostError(err), err.Error())
	}
	return writeStatus(w, id, StatusOk, "")
}

// longname renders the format spec §4.D fixes exactly: "<size> <Mon day
// year> <filename>", using the server's local timezone.
func longname(info os.FileInfo) string {
	day := info.ModTime().Day()
	dayField := fmt.Sprintf("%2d", day)
	return fmt.Sprintf("%d %s %s %4d %s",
		info.Size(),
		info.ModTime().Format("Jan"),
		dayField,
		info.ModTime().Year(),
		info.Name(),
	)
}

func attrsFromFileInfo(info os.FileInfo) fileAttrs {
	return fileAttrs{
		HasSize: true,
		Size:    uint64(info.Size()),
		HasMode: true,
		Mode:    uint32(info.Mode().Perm()) | posixTypeBits(info),
		HasTime: true,
		Atime:   uint32(info.ModTime().Unix()),
		Mtime:   uint32(info.ModTime().Unix()),
	}
}

// attrsFromStat extends attrsFromFileInfo with real uid/gid and access
// time for stat/lstat responses (spec §4.D attribute table: "uid/gid are
// populated in stat/lstat when available"), pulled off the raw Stat_t
// the way perkeep's schema_posix.go does for its own unix owner fields.
func attrsFromStat(info os.FileInfo) fileAttrs {
	a := attrsFromFileInfo(info)
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		a.HasUID = true
		a.UID = st.Uid
		a.GID = st.Gid
		a.Atime = uint32(st.Atim.Sec)
	}
	return a
}

// posixTypeBits reports the st_mode file-type bits the SFTPv3 permissions
// attribute is defined over (draft-ietf-secsh-filexfer-02 §5.1), so
// clients that branch on S_IFDIR/S_IFLNK in the wire attrs, not just
// Go's os.FileMode, see the right type.
func posixTypeBits(info os.FileInfo) uint32 {
	switch {
	case info.IsDir():
		return 0o040000
	case info.Mode()&os.ModeSymlink != 0:
		return 0o120000
	default:
		return 0o100000
	}
}
