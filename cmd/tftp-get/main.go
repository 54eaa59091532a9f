// Command tftp-get is a minimal TFTP read client, used for manual testing
// and debugging against tftpserv. It is not a general-purpose TFTP client:
// no option negotiation, octet mode only.
package main

import (
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/wjholden/gotftpserv/internal/tftp"
)

func main() {
	cmd := newGetCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tftp-get <server:port> <remote-file>",
		Short: "Fetch a file from a TFTP server and write it to stdout",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := net.ResolveUDPAddr("udp", args[0])
			if err != nil {
				return err
			}
			client := &tftp.Client{}
			return client.Get(addr, args[1], os.Stdout)
		},
	}
}
