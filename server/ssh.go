package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"log"
	"net"
	"path/filepath"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"

	"github.com/flux-sftp/flux-sftp/internal/jail"
)

// authRejectionTime is the fixed delay applied to every failed
// authentication attempt (spec §4.E), deterring online probing
// regardless of which credential field was wrong or missing.
const authRejectionTime = 3 * time.Second

// serverVersion replaces golang.org/x/crypto/ssh's default banner, the
// way the teacher server hides its implementation behind a custom
// version string; flux-sftp's own identity rather than weblist's.
const serverVersion = "SSH-2.0-flux-sftp"

// sshConfig builds the per-listener ssh.ServerConfig: password and
// public-key callbacks backed by the credentials store, each disabled
// automatically when its field is unconfigured (creds.Store.Lookup*
// returns ok=false unconditionally in that case).
func (srv *Server) sshConfig(hostKey ssh.Signer) *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		ServerVersion:     serverVersion,
		PasswordCallback:  srv.passwordCallback,
		PublicKeyCallback: srv.publicKeyCallback,
	}
	cfg.AddHostKey(hostKey)
	return cfg
}

// passwordCallback verifies the offered password against the stored
// bcrypt hash using bcrypt's own verify function, which extracts the
// salt embedded in the stored hash (spec §9.1: the source instead
// rehashes with a fresh salt and byte-compares, which is always false).
func (srv *Server) passwordCallback(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
	hash, ok := srv.Creds.LookupPasswordHash(context.Background(), c.User())
	if !ok {
		time.Sleep(authRejectionTime)
		return nil, fmt.Errorf("password authentication unavailable for %s", c.User())
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), pass); err != nil {
		log.Printf("[WARN] ssh: password authentication failed for %s from %s", c.User(), c.RemoteAddr())
		time.Sleep(authRejectionTime)
		return nil, fmt.Errorf("authentication failed")
	}

	return &ssh.Permissions{Extensions: map[string]string{"user": c.User()}}, nil
}

// publicKeyCallback compares the offered key against the stored
// authorized-key line in constant time, over the parsed wire form so
// formatting differences (comments, whitespace) in the stored value
// never cause a spurious mismatch.
func (srv *Server) publicKeyCallback(c ssh.ConnMetadata, offered ssh.PublicKey) (*ssh.Permissions, error) {
	stored, ok := srv.Creds.LookupPublicKey(context.Background(), c.User())
	if !ok {
		time.Sleep(authRejectionTime)
		return nil, fmt.Errorf("public key authentication unavailable for %s", c.User())
	}

	storedKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(stored))
	if err != nil {
		log.Printf("[WARN] ssh: stored public key for %s does not parse: %v", c.User(), err)
		time.Sleep(authRejectionTime)
		return nil, fmt.Errorf("authentication failed")
	}

	if subtle.ConstantTimeCompare(storedKey.Marshal(), offered.Marshal()) != 1 {
		log.Printf("[WARN] ssh: public key authentication failed for %s from %s", c.User(), c.RemoteAddr())
		time.Sleep(authRejectionTime)
		return nil, fmt.Errorf("unauthorized public key")
	}

	return &ssh.Permissions{Extensions: map[string]string{"user": c.User()}}, nil
}

// handleConnection drives one SSH connection from handshake to close
// (spec §4.E state machine New -> AwaitingAuth -> Authenticated). Global
// requests are discarded; only "session" channels are accepted.
func (srv *Server) handleConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		log.Printf("[WARN] ssh: handshake failed from %s: %v", conn.RemoteAddr(), err)
		return
	}
	defer sshConn.Close()

	user := sshConn.Permissions.Extensions["user"]
	log.Printf("[INFO] ssh: authenticated connection for %s from %s", user, sshConn.RemoteAddr())

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			if err := newChan.Reject(ssh.UnknownChannelType, "unknown channel type"); err != nil {
				log.Printf("[WARN] ssh: error rejecting channel: %v", err)
			}
			continue
		}

		channel, requests, err := newChan.Accept()
		if err != nil {
			log.Printf("[WARN] ssh: could not accept channel: %v", err)
			continue
		}

		go srv.handleSession(user, channel, requests)
	}
}

// handleSession accepts only the "sftp" subsystem (spec §4.E channel
// dispatch); any other subsystem, shell, or exec request is rejected and
// no SFTP session is ever created for that channel.
func (srv *Server) handleSession(user string, channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "subsystem":
			if subsystemName(req.Payload) != "sftp" {
				replyRequest(req, false)
				continue
			}
			replyRequest(req, true)

			jailed := jail.New(filepath.Join(srv.JailDir, user))
			sess := NewSession(user, jailed)
			if err := sess.Serve(channel); err != nil && err != io.EOF {
				log.Printf("[WARN] sftp[%s]: session ended with error: %v", user, err)
			}
			return

		default:
			replyRequest(req, false)
		}
	}
}

func subsystemName(payload []byte) string {
	if len(payload) < 5 {
		return ""
	}
	return string(payload[4:])
}

func replyRequest(req *ssh.Request, accept bool) {
	if err := req.Reply(accept, nil); err != nil {
		log.Printf("[WARN] ssh: failed to reply to %s request: %v", req.Type, err)
	}
}
