package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/docopt/docopt-go"

	"lovebridge/bridge"
	"lovebridge/bridge/command"
	"lovebridge/bridge/common"
	"lovebridge/bridge/transport"
	"lovebridge/internal/config"
	"lovebridge/internal/logging"
)

const LoveCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Bridge control.

Medium commands work on the dir, bolt and redis transports. send and call connect a bridge
with the configured transport.

Usage:
    lovectl status [--config=<path>]
    lovectl drain (in | out) [--config=<path>]
    lovectl push-events <events_json> [--config=<path>]
    lovectl mark [--config=<path>]
    lovectl unmark [--config=<path>]
    lovectl send <type> [<payload_json>] [--config=<path>]
    lovectl call <method> [<args_json>] [--config=<path>] [--timeout=<timeout>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --config=<path>        YAML or TOML config file.
    --timeout=<timeout>    Call timeout [default: 5s].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LoveCtlVersion)
	if err != nil {
		panic(err)
	}

	configPath, _ := opts.String("--config")
	cfg, err := config.Load(configPath)
	if err != nil {
		Err.Fatalf("Failed to load config: %v", err)
	}

	if status_, _ := opts.Bool("status"); status_ {
		status(cfg)
	} else if drain_, _ := opts.Bool("drain"); drain_ {
		drain(cfg, opts)
	} else if pushEvents_, _ := opts.Bool("push-events"); pushEvents_ {
		pushEvents(cfg, opts)
	} else if mark_, _ := opts.Bool("mark"); mark_ {
		setMarker(cfg, true)
	} else if unmark_, _ := opts.Bool("unmark"); unmark_ {
		setMarker(cfg, false)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(cfg, opts)
	} else if call_, _ := opts.Bool("call"); call_ {
		call(cfg, opts)
	}
}

func openMedium(cfg *config.Config) (transport.Medium, transport.Regions) {
	medium, err := cfg.OpenMedium()
	if err != nil {
		Err.Fatalf("Failed to open medium: %v", err)
	}
	return medium, transport.NamespaceRegions(cfg.Namespace)
}

func status(cfg *config.Config) {
	medium, regions := openMedium(cfg)
	defer medium.Close()

	marked, err := medium.Marked(context.Background(), regions.Ready)
	if err != nil {
		Err.Fatalf("Failed to check ready marker: %v", err)
	}
	Out.Printf("transport: %s", cfg.Transport)
	Out.Printf("namespace: %s", cfg.Namespace)
	Out.Printf("inbox:     %s", regions.Inbox)
	Out.Printf("outbox:    %s", regions.Outbox)
	Out.Printf("ready:     %s (%t)", regions.Ready, marked)
}

func drain(cfg *config.Config, opts docopt.Opts) {
	medium, regions := openMedium(cfg)
	defer medium.Close()

	codec, err := command.GetCodec(command.EncodingFormat(cfg.Format))
	if err != nil {
		Err.Fatalf("%v", err)
	}

	region := regions.Outbox
	inbox, _ := opts.Bool("in")
	if inbox {
		region = regions.Inbox
	}
	blobs, err := medium.Drain(context.Background(), region)
	if err != nil {
		Err.Fatalf("Failed to drain %s: %v", region, err)
	}

	for _, blob := range blobs {
		var v any
		if inbox {
			v, err = codec.DecodeBatch(blob)
		} else {
			v, err = codec.DecodeEvents(blob)
		}
		if err != nil {
			Err.Printf("Skipping undecodable blob: %v", err)
			continue
		}
		out, _ := json.MarshalIndent(v, "", "  ")
		Out.Println(string(out))
	}
	Out.Printf("%d blob(s) drained from %s", len(blobs), region)
}

func pushEvents(cfg *config.Config, opts docopt.Opts) {
	medium, regions := openMedium(cfg)
	defer medium.Close()

	raw, _ := opts.String("<events_json>")
	var events []common.Event
	if err := json.Unmarshal([]byte(raw), &events); err != nil {
		Err.Fatalf("Events must be a JSON array of {type, payload}: %v", err)
	}
	codec, err := command.GetCodec(command.EncodingFormat(cfg.Format))
	if err != nil {
		Err.Fatalf("%v", err)
	}
	data, err := codec.EncodeEvents(events)
	if err != nil {
		Err.Fatalf("Failed to encode events: %v", err)
	}
	if err := medium.Push(context.Background(), regions.Outbox, data); err != nil {
		Err.Fatalf("Failed to write %s: %v", regions.Outbox, err)
	}
	Out.Printf("%d event(s) written to %s", len(events), regions.Outbox)
}

func setMarker(cfg *config.Config, on bool) {
	medium, regions := openMedium(cfg)
	defer medium.Close()

	ctx := context.Background()
	var err error
	if on {
		err = medium.Mark(ctx, regions.Ready)
	} else {
		err = medium.Unmark(ctx, regions.Ready)
	}
	if err != nil {
		Err.Fatalf("Failed to update %s: %v", regions.Ready, err)
	}
	Out.Printf("%s: %t", regions.Ready, on)
}

func connect(cfg *config.Config) *bridge.Bridge {
	logger := logging.New(cfg.LogLevel, cfg.LogJSON)
	b, err := bridge.New(context.Background(), cfg.BridgeOptions(logger)...)
	if err != nil {
		Err.Fatalf("Failed to connect: %v", err)
	}
	return b
}

func optionalJSON(opts docopt.Opts, key string) any {
	raw, err := opts.String(key)
	if err != nil || raw == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		Err.Fatalf("%s is not valid JSON: %v", key, err)
	}
	return v
}

func send(cfg *config.Config, opts docopt.Opts) {
	b := connect(cfg)
	defer b.Destroy()

	msgType, _ := opts.String("<type>")
	if err := b.Send(msgType, optionalJSON(opts, "<payload_json>")); err != nil {
		Err.Fatalf("Failed to send: %v", err)
	}
	Out.Printf("%d command(s) flushed", b.Flush())
}

func call(cfg *config.Config, opts docopt.Opts) {
	timeoutStr, _ := opts.String("--timeout")
	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil {
		Err.Fatalf("Invalid timeout: %v", err)
	}

	b := connect(cfg)
	defer b.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := b.WaitReady(ctx); err != nil {
		Err.Fatalf("Host not ready: %v", err)
	}

	method, _ := opts.String("<method>")
	fut := b.Call(method, optionalJSON(opts, "<args_json>"), timeout)
	result, err := fut.Await(context.Background())
	if err != nil {
		Err.Fatalf("Call failed: %v", err)
	}
	Out.Println(string(result))
}
