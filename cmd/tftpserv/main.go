// Command tftpserv is a TFTP server, serving reads and writes against a
// configured base directory.
package main

import (
	"context"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wjholden/gotftpserv/internal/tftp"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var port int
	var verbose bool
	var readOnly bool

	cmd := &cobra.Command{
		Use:   "tftpserv <base-directory>",
		Short: "Serve files over TFTP (RFC 1350) from a base directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0], port, verbose, readOnly)
		},
	}

	cmd.Flags().IntVar(&port, "port", 69, "UDP port to listen on")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug-level logging")
	cmd.Flags().BoolVar(&readOnly, "readonly", false, "reject all writes (WRQ)")

	return cmd
}

func run(ctx context.Context, baseDir string, port int, verbose, readOnly bool) error {
	log := logrus.New()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if err := os.Chdir(baseDir); err != nil {
		log.WithError(err).Error("chdir to base directory failed")
		return err
	}

	abs, err := filepath.Abs(".")
	if err != nil {
		log.WithError(err).Error("resolve base directory failed")
		return err
	}

	dirFS, err := tftp.NewDirFS(abs)
	if err != nil {
		log.WithError(err).Error("initialize filesystem failed")
		return err
	}

	var fs tftp.FileSystem = dirFS
	if readOnly {
		fs = readOnlyFS{DirFS: dirFS}
	}

	laddr := &net.UDPAddr{IP: net.IPv4zero, Port: port}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		log.WithError(err).Error("bind failed")
		return err
	}

	server := tftp.NewServer(conn, fs, log)
	log.WithField("addr", server.Addr().String()).Info("tftp server listening")

	shutdownCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return server.Serve(shutdownCtx)
}

// readOnlyFS wraps a *tftp.DirFS so Create always fails with an
// access-violation error, implementing the --readonly flag.
type readOnlyFS struct {
	*tftp.DirFS
}

func (readOnlyFS) Create(name string) (io.WriteCloser, error) {
	return nil, syscall.EACCES
}
