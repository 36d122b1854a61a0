package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/syncline/syncline/internal/core/authority"
	"github.com/syncline/syncline/internal/core/component"
	"github.com/syncline/syncline/internal/core/entity"
	"github.com/syncline/syncline/internal/core/events/bus"
	"github.com/syncline/syncline/internal/core/observability/log"
	"github.com/syncline/syncline/internal/core/session"
	"github.com/syncline/syncline/internal/core/tick"
	"github.com/syncline/syncline/internal/core/world"
)

const moveSpeed = 3.0

// walker drives the demo avatar in a circle, exercising prediction end to
// end without any real input device.
type walker struct {
	predicted *world.Store
	registry  *component.Registry
	avatar    entity.Handle
}

// Step applies one tick of movement to the predicted avatar.
func (wk *walker) Step(t tick.Tick, input []byte) {
	if wk.avatar.IsNil() || len(input) < 8 || !wk.predicted.Alive(wk.avatar) {
		return
	}
	payload, ok := wk.predicted.Component(wk.avatar, component.KindTransform)
	if !ok {
		return
	}
	val, err := wk.registry.Decode(component.KindTransform, payload)
	if err != nil {
		return
	}
	tr := val.(*component.Transform)
	dx := math32.Float32frombits(uint32(input[0]) | uint32(input[1])<<8 | uint32(input[2])<<16 | uint32(input[3])<<24)
	dz := math32.Float32frombits(uint32(input[4]) | uint32(input[5])<<8 | uint32(input[6])<<16 | uint32(input[7])<<24)
	tr.Position = tr.Position.Add(mgl32.Vec3{dx, 0, dz})
	data, err := wk.registry.Encode(tr)
	if err != nil {
		return
	}
	_ = wk.predicted.SetComponent(wk.avatar, component.KindTransform, data)
}

func circleInput(t tick.Tick, rate int) []byte {
	period := uint64(rate * 4)
	angle := float32(uint64(t)%period) / float32(period) * 2 * math32.Pi
	dx := math32.Cos(angle) * moveSpeed / float32(rate)
	dz := math32.Sin(angle) * moveSpeed / float32(rate)
	b := make([]byte, 8)
	putFloat32(b[0:], dx)
	putFloat32(b[4:], dz)
	return b
}

func putFloat32(b []byte, f float32) {
	bits := math32.Float32bits(f)
	b[0] = byte(bits)
	b[1] = byte(bits >> 8)
	b[2] = byte(bits >> 16)
	b[3] = byte(bits >> 24)
}

func main() {
	configPath := flag.String("config", "", "path to yaml config")
	addr := flag.String("addr", "", "server address override")
	flag.Parse()

	logger := log.New(log.LevelInfo)

	cfg := session.DefaultConfig()
	if *configPath != "" {
		loaded, err := session.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "config:", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	events := bus.New()
	defer events.Close()
	confirmed := world.NewStore(events)
	predicted := world.NewStore(bus.New())
	registry := component.NewDefaultRegistry()

	sim := &walker{predicted: predicted, registry: registry}
	client, err := session.NewClient(cfg, confirmed, predicted, registry, sim, events, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "client:", err)
		os.Exit(1)
	}

	client.OnReady(func(id authority.ClientID) {
		avatar, err := client.SpawnOwned()
		if err != nil {
			logger.Error("avatar spawn failed", log.Error(err))
			return
		}
		tr := &component.Transform{}
		data, _ := registry.Encode(tr)
		_ = confirmed.SetComponent(avatar, component.KindTransform, data)
		twin, err := client.Prediction().Promote(avatar)
		if err != nil {
			logger.Error("avatar promote failed", log.Error(err))
			return
		}
		sim.avatar = twin
	})
	client.SetInputSampler(func(t tick.Tick) []byte {
		if sim.avatar.IsNil() {
			return nil
		}
		return circleInput(t, cfg.TickRate)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-stopCh
		cancel()
	}()

	if err := client.Run(ctx); err != nil {
		logger.Error("client exited", log.Error(err))
		os.Exit(1)
	}
}
