package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"

	"github.com/slackhq/virtnet/config"
	"github.com/slackhq/virtnet/packet"
)

func configLogger(l *logrus.Logger, c *config.C) error {
	// set up our logging level
	logLevel, err := logrus.ParseLevel(strings.ToLower(c.GetString("logging.level", "info")))
	if err != nil {
		return fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}
	l.SetLevel(logLevel)

	timestampFormat := c.GetString("logging.timestamp_format", "")
	fullTimestamp := (timestampFormat != "")
	if timestampFormat == "" {
		timestampFormat = time.RFC3339
	}

	logFormat := strings.ToLower(c.GetString("logging.format", "text"))
	switch logFormat {
	case "text":
		l.Formatter = &logrus.TextFormatter{
			TimestampFormat: timestampFormat,
			FullTimestamp:   fullTimestamp,
		}
	case "json":
		l.Formatter = &logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
		}
	default:
		return fmt.Errorf("unknown log format `%s`. possible formats: %s", logFormat, []string{"text", "json"})
	}

	return nil
}

// packetLogger is the demo subscriber: it decodes every received frame and
// logs a one-line summary.
type packetLogger struct {
	l *logrus.Logger
}

func newPacketLogger(l *logrus.Logger) *packetLogger {
	return &packetLogger{l: l}
}

func (p *packetLogger) handle(pkt *packet.Packet) error {
	defer pkt.Release()

	frame := gopacket.NewPacket(pkt.Bytes(), layers.LayerTypeEthernet, gopacket.Lazy)

	fields := logrus.Fields{
		"len":       pkt.Len(),
		"fragments": pkt.NumFragments(),
	}
	if net := frame.NetworkLayer(); net != nil {
		flow := net.NetworkFlow()
		fields["src"] = flow.Src().String()
		fields["dst"] = flow.Dst().String()
	}
	if transport := frame.TransportLayer(); transport != nil {
		fields["proto"] = transport.LayerType().String()
	}

	p.l.WithFields(fields).Info("Received packet")
	return nil
}
