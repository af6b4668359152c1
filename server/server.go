// Package server implements the listener, SSH connection handling, and
// SFTP session logic described in spec §4.D-4.F.
package server

import (
	"context"
	"fmt"
	"log"
	"net"

	"github.com/flux-sftp/flux-sftp/internal/creds"
)

// Server owns the listener, the shared credentials store, and the host
// key (spec §4.F). Every accepted TCP connection runs as an independent
// goroutine; there is no state shared between sessions beyond the
// credentials store and the jail root.
type Server struct {
	Addr        string
	JailDir     string
	HostKeyFile string
	Creds       *creds.Store
}

// Run starts the listener and blocks, spawning one goroutine per
// accepted connection, until ctx is canceled or the listener fails
// (grounded on the teacher SFTP.Run accept loop, generalized from a
// single fixed user to per-connection, database-backed authentication).
func (srv *Server) Run(ctx context.Context) error {
	hostKey, err := loadOrGenerateHostKey(srv.HostKeyFile)
	if err != nil {
		return fmt.Errorf("failed to set up host key: %w", err)
	}
	sshConfig := srv.sshConfig(hostKey)

	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
	}
	defer listener.Close()

	log.Printf("[INFO] starting SFTP server on %s", srv.Addr)

	errCh := make(chan error, 1)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				errCh <- fmt.Errorf("accept error: %w", err)
				return
			}

			go srv.handleConnection(conn, sshConfig)
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("SFTP server failed: %w", err)
	case <-ctx.Done():
		log.Printf("[DEBUG] SFTP server shutdown initiated")
		if err := listener.Close(); err != nil {
			log.Printf("[WARN] error closing listener: %v", err)
		}
		log.Printf("[INFO] SFTP server shutdown completed")
		return nil
	}
}
