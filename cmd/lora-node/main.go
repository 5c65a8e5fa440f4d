package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/internal/api"
	"github.com/lorawan-server/lorawan-node/internal/auth"
	"github.com/lorawan-server/lorawan-node/internal/bridge"
	"github.com/lorawan-server/lorawan-node/internal/config"
	"github.com/lorawan-server/lorawan-node/internal/driver"
	"github.com/lorawan-server/lorawan-node/internal/hw"
	"github.com/lorawan-server/lorawan-node/internal/integration"
	"github.com/lorawan-server/lorawan-node/internal/network"
	"github.com/lorawan-server/lorawan-node/internal/radio"
	"github.com/lorawan-server/lorawan-node/internal/radio/radiotest"
)

// peripherals are the radio collaborators plus the interrupt source
type peripherals struct {
	bus   radio.Bus
	cs    radio.Pin
	reset radio.Pin
	delay radio.Delay
	// watch delivers interrupts to handler until ctx is done
	watch func(ctx context.Context, handler func(context.Context)) error
	close func() error
}

func main() {
	var (
		configFile string
		simulate   bool
		issueRole  string
	)
	flag.StringVar(&configFile, "config", "config/lora-node.yml", "Configuration file path")
	flag.BoolVar(&simulate, "sim", false, "Use the in-memory radio and network simulator")
	flag.StringVar(&issueRole, "token", "", "Print a control API token for the given role and exit")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if issueRole != "" {
		token, err := auth.NewJWTManager(&cfg.JWT).GenerateToken("cli", issueRole)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to issue token")
		}
		fmt.Println(token)
		return
	}

	driverCfg, err := cfg.DriverConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid device configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var periph *peripherals
	if simulate || cfg.Simulator.Enabled {
		periph = openSimulator(cfg)
	} else {
		periph, err = openBoard(cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open radio hardware")
		}
	}
	defer periph.close()

	var opts []driver.Option
	opts = append(opts, driver.WithLogger(log.Logger.With().Str("component", "driver").Logger()))

	var br *bridge.Bridge
	if cfg.NATS.URL != "" {
		nc, err := connectNATS(cfg)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without NATS support")
		} else {
			defer nc.Close()
			log.Info().Msg("Connected to NATS")
			br = bridge.New(nc, *cfg.Device.DevEUI)
			opts = append(opts, driver.WithDownlinkListener(br), driver.WithJoinListener(br))
		}
	} else {
		log.Info().Msg("NATS not configured, running in standalone mode")
	}

	fwd, err := integration.NewForwarder(cfg.Integration, *cfg.Device.DevEUI)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to start integrations, continuing without them")
	} else if fwd.Enabled() {
		defer fwd.Close()
		opts = append(opts, driver.WithDownlinkListener(fwd), driver.WithJoinListener(fwd))
	}

	node, err := driver.New(periph.bus, periph.cs, periph.reset, periph.delay, random, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize radio")
	}
	defer node.Close()

	if err := node.Configure(ctx, driverCfg); err != nil {
		log.Fatal().Err(err).Msg("Failed to configure driver")
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := periph.watch(ctx, node.HandleInterrupt); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Interrupt watcher stopped")
		}
	}()

	if br != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := br.Start(ctx, node); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("NATS bridge stopped")
			}
		}()
	}

	apiServer := api.NewRESTServer(cfg, node)
	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		if err := apiServer.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Control API server failed")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		join(ctx, node, cfg)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
	}

	wg.Wait()

	log.Info().Msg("Node stopped")
}

// join starts the configured activation and waits for the session
func join(ctx context.Context, node *driver.Driver, cfg *config.Config) {
	if err := node.Join(ctx, cfg.ConnectMode()); err != nil {
		log.Error().Err(err).Msg("Join failed")
		return
	}

	joinCtx, cancel := context.WithTimeout(ctx, cfg.Device.JoinTimeout)
	defer cancel()
	if err := node.AwaitJoin(joinCtx); err != nil {
		log.Warn().Err(err).Dur("timeout", cfg.Device.JoinTimeout).Msg("Not joined yet, retries continue in the background")
		return
	}

	st := node.State()
	log.Info().Str("devAddr", st.DevAddr.String()).Msg("Joined network")
}

func openBoard(cfg *config.Config) (*peripherals, error) {
	board, err := hw.Open(hw.Config{
		SPIPort:  cfg.Hardware.SPIPort,
		SPIHz:    cfg.Hardware.SPIHz,
		CSPin:    cfg.Hardware.CSPin,
		ResetPin: cfg.Hardware.ResetPin,
		DIO0Pin:  cfg.Hardware.DIO0Pin,
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("spi", cfg.Hardware.SPIPort).
		Str("dio0", cfg.Hardware.DIO0Pin).
		Msg("Radio hardware opened")

	return &peripherals{
		bus:   board.Bus,
		cs:    board.CS,
		reset: board.Reset,
		delay: hw.SleepDelay{},
		watch: board.WatchIRQ,
		close: board.Close,
	}, nil
}

// openSimulator wires an in-memory chip to a network simulator holding the
// configured AppKey
func openSimulator(cfg *config.Config) *peripherals {
	chip := radiotest.NewChip()
	sim := network.NewSimulator(*cfg.Device.AppKey, chip.QueueRx,
		network.WithRXDelay(cfg.Simulator.RXDelay),
		network.WithRegion(cfg.Device.Band),
	)
	chip.OnTransmit = sim.HandleFrame

	log.Info().Uint8("rxDelay", cfg.Simulator.RXDelay).Msg("Running against the network simulator")

	return &peripherals{
		bus:   chip,
		cs:    &chip.CS,
		reset: &chip.Reset,
		delay: chip,
		watch: func(ctx context.Context, handler func(context.Context)) error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-chip.Interrupts():
					handler(ctx)
				}
			}
		},
		close: func() error { return nil },
	}
}

func connectNATS(cfg *config.Config) (*nats.Conn, error) {
	log.Info().Str("url", cfg.NATS.URL).Msg("Connecting to NATS...")

	return nats.Connect(cfg.NATS.URL,
		nats.Name(cfg.NATS.ClientID),
		nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
		nats.ReconnectWait(cfg.NATS.ReconnectInterval),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			evt := log.Error().Err(err)
			if sub != nil {
				evt = evt.Str("subject", sub.Subject)
			}
			evt.Msg("NATS error")
		}),
	)
}

// random feeds DevNonce and token generation
func random() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint32(b[:])
}
