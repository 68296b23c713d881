package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/clawlink/internal/bridge"
	"github.com/openclaw/clawlink/internal/client"
	"github.com/openclaw/clawlink/internal/config"
	"github.com/openclaw/clawlink/internal/identity"
	"github.com/openclaw/clawlink/internal/logging"
)

func run() error {
	var (
		configPath = flag.String("config", "", "path to a TOML config file")
		addr       = flag.String("addr", "", "gateway address host:port (overrides config)")
		token      = flag.String("token", "", "auth token (overrides config)")
		importKey  = flag.String("import-key", "", "import an ed25519 private key into the keystore and exit")
		showDevice = flag.Bool("device-id", false, "print the device id and exit")
	)
	flag.Parse()

	logging.ConfigureRuntime()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	if v := strings.TrimSpace(*addr); v != "" {
		cfg.Address = v
	}
	if *token != "" {
		cfg.Token = *token
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if *importKey != "" {
		return importKeystore(*importKey, cfg.KeystorePath)
	}

	store, err := identity.LoadOrCreate(cfg.KeystorePath)
	if err != nil {
		return err
	}
	if *showDevice {
		fmt.Println(store.DeviceID())
		return nil
	}
	log.Info().Str("device_id", store.DeviceID()).Str("addr", cfg.Address).Msg("clawlink starting")

	br := bridge.New()
	cl, err := client.New(cfg.ClientConfig(), store, br)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go consumeEvents(br)
	go readStdin(ctx, br, cl)

	return cl.Run(ctx)
}

func importKeystore(keyPath, storePath string) error {
	priv, err := identity.PrivateKeyFromFile(keyPath)
	if err != nil {
		return err
	}
	store, err := identity.CreateFromKey(storePath, priv)
	if err != nil {
		return err
	}
	fmt.Println(store.DeviceID())
	return nil
}

// consumeEvents renders the normalized stream. A real display collaborator
// would sit here; the CLI just logs.
func consumeEvents(br *bridge.Bridge) {
	for ev := range br.Events() {
		switch ev.Kind {
		case bridge.EventStatusChanged:
			log.Info().Str("status", ev.Status).Msg("connection status")
		case bridge.EventPairingRequired:
			log.Warn().Str("code", ev.Code).Str("message", ev.Message).
				Msg("pairing required; run: approve <token>")
		case bridge.EventAuthFailed:
			log.Error().Str("code", ev.Code).Str("message", ev.Message).Msg("authentication rejected")
		case bridge.EventProtocolError:
			log.Error().Str("message", ev.Message).Msg("protocol error")
		case bridge.EventGatewayError:
			log.Warn().Str("code", ev.Code).Str("message", ev.Message).Msg("gateway error")
		case bridge.EventAgent:
			log.Info().Str("event", ev.Name).Str("payload", ev.PayloadJSON).Msg("agent event")
		default:
			log.Debug().Str("type", ev.Name).Msg("unrecognized gateway frame")
		}
	}
}

// readStdin turns input lines into intents. Line format:
//
//	approve <token>
//	<command> [payload-json]
func readStdin(ctx context.Context, br *bridge.Bridge, cl *client.Client) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		command, payload, _ := strings.Cut(line, " ")
		payload = strings.TrimSpace(payload)

		if command == "approve" {
			cl.Approve(payload)
			continue
		}
		err := br.Submit(bridge.Intent{Command: command, PayloadJSON: payload})
		if err != nil {
			log.Warn().Err(err).Str("command", command).Msg("intent rejected")
		}
	}
}
