// Copyright 2023 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// mictl is a command line utility for managing NVMe subsystems out-of-band
// over MCTP.
package main

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	nvmemi "github.com/dswarbrick/nvme-mi"
)

var (
	network uint32
	eid     uint8
	timeout time.Duration
	verbose bool
)

func openEndpoint() (*nvmemi.Root, *nvmemi.Endpoint, error) {
	opts := []nvmemi.Option{}
	if verbose {
		opts = append(opts, nvmemi.WithLogLevel(slog.LevelDebug))
	}

	root := nvmemi.NewRoot(opts...)
	ep, err := root.OpenMCTP(network, eid)
	if err != nil {
		root.Close()
		return nil, nil, err
	}

	if timeout > 0 {
		if err := ep.SetTimeout(timeout); err != nil {
			root.Close()
			return nil, nil, err
		}
	}
	return root, ep, nil
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "List the controllers behind an endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, ep, err := openEndpoint()
			if err != nil {
				return err
			}
			defer root.Close()

			if err := ep.ScanControllers(false); err != nil {
				return err
			}

			for _, ctrl := range ep.Controllers() {
				info, err := ep.ReadControllerInfo(ctrl.ID())
				if err != nil {
					fmt.Printf("controller %d: %v\n", ctrl.ID(), err)
					continue
				}
				fmt.Printf("controller %d: port %d, vendor %#04x, device %#04x\n",
					ctrl.ID(), info.PortID, info.VendorID, info.DeviceID)
			}
			return nil
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show subsystem and port information",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, ep, err := openEndpoint()
			if err != nil {
				return err
			}
			defer root.Close()

			ss, err := ep.ReadSubsystemInfo()
			if err != nil {
				return err
			}
			fmt.Printf("NVMe-MI version: %d.%d\n", ss.MajorVersion, ss.MinorVersion)
			fmt.Printf("Ports: %d\n", ss.NumPorts+1)

			for port := uint8(0); port <= ss.NumPorts; port++ {
				pi, err := ep.ReadPortInfo(port)
				if err != nil {
					return err
				}
				fmt.Printf("  port %d: type %#02x, max MCTP MTU %d, MEB %d KiB\n",
					port, pi.PortType, pi.MaxMCTPUnitSize, pi.MEBSize*4)
			}
			return nil
		},
	}
}

func healthCmd() *cobra.Command {
	var clear bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Poll NVM subsystem health status",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, ep, err := openEndpoint()
			if err != nil {
				return err
			}
			defer root.Close()

			health, err := ep.SubsystemHealthPoll(clear)
			if err != nil {
				return err
			}

			fmt.Printf("Subsystem status: %#02x\n", health.NSS)
			fmt.Printf("SMART warnings: %#02x\n", health.SmartWarnings)
			fmt.Printf("Composite temperature: %d Celsius\n", health.CompositeTempCelsius())
			fmt.Printf("Drive life used: %d%%\n", health.DriveLifeUsed)
			fmt.Printf("Composite controller status: %#04x\n", health.CCS)
			return nil
		},
	}

	cmd.Flags().BoolVar(&clear, "clear", false, "clear composite controller status after reading")
	return cmd
}

func identifyCmd() *cobra.Command {
	var ctrlID uint16

	cmd := &cobra.Command{
		Use:   "identify",
		Short: "Identify a controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, ep, err := openEndpoint()
			if err != nil {
				return err
			}
			defer root.Close()

			ctrl := ep.Controller(ctrlID)
			ident, err := ctrl.IdentifyCtrl()
			if err != nil {
				return err
			}

			fmt.Printf("Vendor ID: %#04x\n", ident.VendorID)
			fmt.Printf("Model number: %s\n", ident.ModelNumber)
			fmt.Printf("Serial number: %s\n", ident.SerialNumber)
			fmt.Printf("Firmware version: %s\n", ident.Firmware)
			fmt.Printf("IEEE OUI identifier: 0x%02x%02x%02x\n",
				ident.IEEE[2], ident.IEEE[1], ident.IEEE[0])
			fmt.Printf("Number of namespaces: %d\n", ident.Nn)

			smart, err := ctrl.GetLogSMART()
			if err != nil {
				return err
			}

			fmt.Println("\nSMART data follows:")
			fmt.Printf("Critical warning: %#02x\n", smart.CritWarning)
			fmt.Printf("Temperature: %d Celsius\n", smart.TempCelsius())
			fmt.Printf("Avail. spare: %d%%\n", smart.AvailSpare)
			fmt.Printf("Percentage used: %d%%\n", smart.PercentUsed)
			fmt.Println("Data units read:", nvmemi.Le128ToString(smart.DataUnitsRead))
			fmt.Println("Data units written:", nvmemi.Le128ToString(smart.DataUnitsWritten))
			fmt.Println("Power cycles:", nvmemi.Le128ToString(smart.PowerCycles))
			fmt.Println("Power on hours:", nvmemi.Le128ToString(smart.PowerOnHours))
			fmt.Println("Unsafe shutdowns:", nvmemi.Le128ToString(smart.UnsafeShutdowns))
			fmt.Println("Media & data integrity errors:", nvmemi.Le128ToString(smart.MediaErrors))
			return nil
		},
	}

	cmd.Flags().Uint16Var(&ctrlID, "ctrl", 0, "controller ID")
	return cmd
}

func getLogCmd() *cobra.Command {
	var (
		ctrlID  uint16
		lid     uint8
		length  uint32
		offset  uint64
		rae     bool
	)

	cmd := &cobra.Command{
		Use:   "get-log",
		Short: "Read a log page and hex dump it",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, ep, err := openEndpoint()
			if err != nil {
				return err
			}
			defer root.Close()

			buf := make([]byte, length)
			n, _, err := ep.Controller(ctrlID).GetLogPage(&nvmemi.GetLogPageArgs{
				Data: buf,
				LID:  lid,
				LPO:  offset,
				NSID: 0xffffffff,
				RAE:  rae,
			})
			if err != nil {
				return err
			}

			fmt.Print(hex.Dump(buf[:n]))
			return nil
		},
	}

	cmd.Flags().Uint16Var(&ctrlID, "ctrl", 0, "controller ID")
	cmd.Flags().Uint8Var(&lid, "lid", nvmemi.LogPageSMART, "log page identifier")
	cmd.Flags().Uint32Var(&length, "len", 512, "bytes to read (multiple of 4)")
	cmd.Flags().Uint64Var(&offset, "offset", 0, "offset within the log")
	cmd.Flags().BoolVar(&rae, "rae", false, "retain asynchronous event")
	return cmd
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "mictl",
		Short:         "Out-of-band NVMe management over MCTP",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().Uint32Var(&network, "network", 1, "MCTP network ID")
	rootCmd.PersistentFlags().Uint8Var(&eid, "eid", 0, "MCTP endpoint ID")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "per-request timeout (default transport specific)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(scanCmd(), infoCmd(), healthCmd(), identifyCmd(), getLogCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
