// Command adbusb is a small host-side tool over the transport library:
// it lists attached ADB devices and can open a transport to one, sending
// the connect banner and logging every inbound packet.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"adb-transport/internal/config"
	"adb-transport/internal/transport"
	"adb-transport/internal/utils"
	"adb-transport/pkg/adbwire"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage:
  adbusb devices          list attached adb devices
  adbusb sniff [serial]   connect and log inbound packets
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := utils.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer utils.CloseLogger(logger) //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr := transport.NewManager(cfg, logger)
	defer mgr.Close() //nolint:errcheck

	switch os.Args[1] {
	case "devices":
		err = runDevices(ctx, mgr)
	case "sniff":
		serial := ""
		if len(os.Args) > 2 {
			serial = os.Args[2]
		}
		err = runSniff(ctx, cfg, mgr, logger, serial)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("Command failed", zap.Error(err))
		os.Exit(1)
	}
}

func runDevices(ctx context.Context, mgr *transport.Manager) error {
	if !mgr.Supported() {
		return fmt.Errorf("no usb access on this host")
	}
	handles, err := mgr.Devices(ctx)
	if err != nil {
		return err
	}
	for _, h := range handles {
		fmt.Printf("%-24s %s\n", h.Serial(), h.Product())
		h.Close() //nolint:errcheck
	}
	if len(handles) == 0 {
		fmt.Println("no devices")
	}
	return nil
}

// serialPicker chooses the device with the given serial, or the first
// candidate when no serial was asked for. No candidates, or no match,
// counts as the user declining.
func serialPicker(serial string) transport.PickerFunc {
	return func(_ context.Context, candidates []*transport.Handle) (int, error) {
		for i, h := range candidates {
			if serial == "" || h.Serial() == serial {
				return i, nil
			}
		}
		return 0, transport.ErrPickerCancelled
	}
}

func runSniff(ctx context.Context, cfg *config.Config, mgr *transport.Manager, logger *zap.Logger, serial string) error {
	handle, err := mgr.RequestDevice(ctx, serialPicker(serial))
	if err != nil {
		return err
	}
	if handle == nil {
		return fmt.Errorf("no device chosen")
	}

	t, err := mgr.Connect(ctx, handle)
	if err != nil {
		handle.Close() //nolint:errcheck
		return err
	}
	defer t.Close() //nolint:errcheck

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go mgr.WatchDisconnects(watchCtx) //nolint:errcheck

	if err := t.Write(ctx, adbwire.NewConnectPacket(cfg.Transport.Banner)); err != nil {
		return err
	}

	logger.Info("Sniffing", zap.String("serial", t.Serial()), zap.String("product", t.Product()))
	for {
		pkt, err := t.Read(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrTransportClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		logger.Info("Packet",
			zap.Stringer("command", pkt.Command),
			zap.Uint32("arg0", pkt.Arg0),
			zap.Uint32("arg1", pkt.Arg1),
			zap.Uint32("length", pkt.Length),
		)
	}
}
