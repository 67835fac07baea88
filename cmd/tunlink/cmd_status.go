package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tunlink/tunlink/internal/control"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tunnel status",
	Long:  `Query the running tunlink daemon and display the interface, peer, and relay counters.`,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	status, err := control.FetchStatus(control.ResolveSocketPath())
	if err != nil {
		return fmt.Errorf("is tunlink running? %w", err)
	}

	peer := status.Peer
	if peer == "" {
		peer = "(none yet)"
	}

	fmt.Fprintf(os.Stdout, "Interface: %s\n", status.Interface)
	fmt.Fprintf(os.Stdout, "State:     %s\n", formatState(status))
	fmt.Fprintf(os.Stdout, "Address:   %s\n", status.Address)
	fmt.Fprintf(os.Stdout, "Listen:    %s\n", status.Listen)
	fmt.Fprintf(os.Stdout, "Peer:      %s\n", peer)
	fmt.Fprintf(os.Stdout, "Uptime:    %s\n", formatDuration(time.Duration(status.UptimeSeconds*float64(time.Second))))
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DIRECTION\tPACKETS\tBYTES\tDROPPED")
	fmt.Fprintf(w, "device -> peer\t%d\t%d\t%d\n",
		status.Relay.OutPackets, status.Relay.OutBytes, status.Relay.OutDropped)
	fmt.Fprintf(w, "peer -> device\t%d\t%d\t%d\n",
		status.Relay.InPackets, status.Relay.InBytes, status.Relay.InDropped)
	w.Flush()

	return nil
}

// formatState renders the kernel-reported interface state, flagging a
// kernel address that drifted from the configured one.
func formatState(status *control.Status) string {
	if !status.Up {
		return "down"
	}
	state := "up"
	if status.Running {
		state = "up, running"
	}
	if status.KernelAddress != "" && !strings.HasPrefix(status.Address, status.KernelAddress+"/") {
		state += fmt.Sprintf(" (kernel address %s)", status.KernelAddress)
	}
	return state
}

// formatDuration formats a duration into a human-readable string like
// "2h15m" or "45s".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
