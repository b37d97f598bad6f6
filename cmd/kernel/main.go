package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nucleonos/nucleon/internal/infrastructure/config"
	"github.com/nucleonos/nucleon/internal/infrastructure/logging"
	"github.com/nucleonos/nucleon/internal/kernel"
	"github.com/nucleonos/nucleon/internal/server"
)

func main() {
	demo := flag.Bool("demo", false, "boot with a demo workload (ping/pong over IPC)")
	flag.Parse()

	cfg := config.LoadOrDefault()

	var log *logging.Logger
	if cfg.Logging.Development {
		log = logging.NewDevelopment()
	} else {
		log = logging.NewDefault()
	}
	defer log.Sync()

	srv, err := server.New(cfg, log)
	if err != nil {
		log.Fatal("failed to build server", zap.Error(err))
	}
	k := srv.Kernel()
	boot := k.Boot()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Core driver loops: each core takes timer ticks at the configured rate
	// and reschedules on slice exhaustion or doorbell rings.
	tickEvery := time.Second / time.Duration(cfg.Kernel.TickHz)
	for _, c := range k.Cores() {
		go driveCore(ctx, k, c, tickEvery)
	}

	if *demo {
		if err := spawnDemo(k, boot); err != nil {
			log.Error("demo workload failed", zap.Error(err))
		}
	}

	if err := srv.Run(ctx); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}

// driveCore is one logical CPU's loop: periodic ticks plus doorbell-driven
// reschedules.
func driveCore(ctx context.Context, k *kernel.Kernel, c *kernel.Core, tickEvery time.Duration) {
	ticker := time.NewTicker(tickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.OnTick(c.ID())
			k.Schedule(c.ID())
		case <-c.Notify():
			k.Schedule(c.ID())
		}
	}
}

// spawnDemo builds a two-process ping/pong pair: the child receives on a
// mailbox endpoint the parent grants it, and the parent sends a message a
// second.
func spawnDemo(k *kernel.Kernel, boot *kernel.Process) error {
	child, err := k.Spawn(boot)
	if err != nil {
		return err
	}

	initThread, err := k.AddThread(boot, kernel.ClassNormal, 0, 0)
	if err != nil {
		return err
	}
	childThread, err := k.AddThread(child, kernel.ClassNormal, 0, 1)
	if err != nil {
		return err
	}

	resp := k.Dispatch(initThread.ID(), kernel.Request{
		Op:   kernel.OpEndpointCreate,
		Mode: kernel.Mailbox,
	})
	if resp.Err != nil {
		return resp.Err
	}
	sendSlot := resp.Slot

	recvSlot, err := k.GrantCap(boot, sendSlot, child, kernel.RightReceive, 0)
	if err != nil {
		return err
	}

	go func() {
		for {
			r := k.Dispatch(initThread.ID(), kernel.Request{
				Op:       kernel.OpSend,
				Slot:     sendSlot,
				Data:     []byte("ping"),
				Deadline: kernel.Deadline{Kind: kernel.DeadlineImmediate},
			})
			if r.Err != nil && r.Err != kernel.ErrWouldBlock {
				return
			}
			time.Sleep(time.Second)
		}
	}()
	go func() {
		for {
			r := k.Dispatch(childThread.ID(), kernel.Request{
				Op:       kernel.OpReceive,
				Slot:     recvSlot,
				Deadline: kernel.Deadline{Kind: kernel.DeadlineImmediate},
			})
			if r.Err != nil && r.Err != kernel.ErrWouldBlock {
				return
			}
			time.Sleep(time.Second)
		}
	}()
	return nil
}
