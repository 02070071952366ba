package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/slackhq/virtnet/config"
	"github.com/slackhq/virtnet/util"
	"github.com/slackhq/virtnet/vhostnet"
)

// A version string that can be set with
//
//	-ldflags "-X main.Build=SOMEVERSION"
//
// at compile-time.
var Build string

func init() {
	if Build == "" {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}

		Build = strings.TrimPrefix(info.Main.Version, "v")
	}
}

func main() {
	configPath := flag.String("config", "", "Path to either a file or directory to load configuration from")
	printVersion := flag.Bool("version", false, "Print version")
	printUsage := flag.Bool("help", false, "Print command line usage")

	flag.Parse()

	if *printVersion {
		fmt.Printf("Version: %s\n", Build)
		os.Exit(0)
	}

	if *printUsage {
		flag.Usage()
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("-config flag must be set")
		flag.Usage()
		os.Exit(1)
	}

	l := logrus.New()
	l.Out = os.Stdout

	c := config.NewC(l)
	if err := c.Load(*configPath); err != nil {
		fmt.Printf("failed to load config: %s", err)
		os.Exit(1)
	}

	if err := configLogger(l, c); err != nil {
		util.LogWithContextIfNeeded("Failed to configure the logger", err, l)
		os.Exit(1)
	}

	dev, err := vhostnet.NewDevice(l,
		vhostnet.WithTAPDevice(c.GetString("tap.dev", "tap0")),
		vhostnet.WithQueueSize(c.GetInt("virtio.ring_size", 256)),
		vhostnet.WithEventIndex(c.GetBool("virtio.event_index", true)),
		vhostnet.WithChecksumOffload(c.GetBool("virtio.csum_offload", true)),
		vhostnet.WithTSO(c.GetBool("virtio.tso", true)),
		vhostnet.WithUFO(c.GetBool("virtio.ufo", true)),
		vhostnet.WithMTU(c.GetInt("tap.mtu", 1500)),
	)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to create the vhost device", err, l)
		os.Exit(1)
	}
	defer dev.Close()

	l.WithFields(logrus.Fields{
		"hwAddr":   dev.HWAddress().String(),
		"features": fmt.Sprintf("%+v", dev.HWFeatures()),
		"build":    Build,
	}).Info("Device is up")

	sub, err := dev.Receive(newPacketLogger(l).handle)
	if err != nil {
		util.LogWithContextIfNeeded("Failed to subscribe to the device", err, l)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		l.Info("Caught signal, shutting down")
		sub.Cancel()
	case <-sub.Done():
		if err := sub.Err(); err != nil && ctx.Err() == nil {
			util.LogWithContextIfNeeded("Receive stream ended", err, l)
			os.Exit(1)
		}
	}
}
