// pldmd is the platform-management daemon. It connects to the PLDM
// transport socket, dispatches file-I/O commands on a single-threaded event
// loop, and streams bulk payloads between BMC files and host memory through
// the DMA engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/baemyung/ibm-pldm/config"
	"github.com/baemyung/ibm-pldm/dma"
	"github.com/baemyung/ibm-pldm/eventloop"
	"github.com/baemyung/ibm-pldm/responder"
)

// maxRequestSize bounds a single inbound request message.
const maxRequestSize = 65536

func main() {
	configPath := flag.String("config", "/etc/pldm/pldmd.toml", "path to the daemon configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logrus.WithField("error", err.Error()).Fatal("Daemon terminated")
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	logrus.SetLevel(level)

	loop, err := eventloop.New()
	if err != nil {
		return err
	}
	defer loop.Close()

	registry := responder.NewRegistry()
	for _, f := range cfg.Files {
		registry.Add(responder.Entry{Handle: f.Handle, Path: f.Path})
	}

	sockFd, err := connectTransport(cfg.TransportSocket)
	if err != nil {
		return err
	}
	defer unix.Close(sockFd)

	sink := responder.NewSocketSink(fdWriter(sockFd))
	device := dma.NewXDMADevice(cfg.DevicePath)
	handler := responder.NewHandler(loop, device, registry, sink, cfg.Deadline(), cfg.PollInterval())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	buf := make([]byte, maxRequestSize)
	err = loop.AddFD(sockFd, eventloop.EventRead, func(events eventloop.Events) {
		if events&eventloop.EventError != 0 {
			logrus.Error("Transport socket error, shutting down")
			stop()
			return
		}
		for {
			n, err := unix.Read(sockFd, buf)
			if err == unix.EAGAIN {
				return
			}
			if err != nil || n == 0 {
				logrus.WithFields(logrus.Fields{
					"function": "run",
					"error":    errString(err),
				}).Error("Transport socket closed")
				stop()
				return
			}
			msg := make([]byte, n)
			copy(msg, buf[:n])
			if response := handler.Handle(msg); response != nil {
				if _, err := fdWriter(sockFd).Write(response); err != nil {
					logrus.WithField("error", err.Error()).Error("Failed to write direct response")
				}
			}
		}
	})
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"transport": cfg.TransportSocket,
		"device":    cfg.DevicePath,
		"files":     registry.Len(),
	}).Info("pldmd started")

	if err := loop.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// connectTransport opens a non-blocking seqpacket connection to the PLDM
// transport demux socket.
func connectTransport(path string) (int, error) {
	if path == "" {
		return -1, fmt.Errorf("transport_socket must be configured")
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("create transport socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", path, err)
	}
	return fd, nil
}

// fdWriter adapts a raw descriptor to io.Writer for the response sink.
type fdWriter int

func (w fdWriter) Write(p []byte) (int, error) {
	return unix.Write(int(w), p)
}

func errString(err error) string {
	if err == nil {
		return "EOF"
	}
	return err.Error()
}
