package olmcore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/matrix-org/olm-core/device"
	"github.com/matrix-org/olm-core/internal"
	"github.com/matrix-org/olm-core/store"
)

const Version = "0.1.0"

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Opts configures RunDeviceTool.
type Opts struct {
	// Backend selection: Postgres wins over SQLite; with neither set the
	// tool runs on a throwaway in-memory store.
	PostgresURI string
	SQLitePath  string

	PickleKey string

	// ImportPath restores the device from an exported-device JSON file
	// before anything else runs.
	ImportPath string
	// ExportPath writes the device (including all secret material) to a
	// JSON file after the other actions.
	ExportPath string

	// GenerateOTKs mints this many one-time keys and prints them to
	// stdout as JSON, without marking them as published.
	GenerateOTKs int

	// MetricsAddr serves prometheus metrics when set, e.g. ":2112". The
	// tool then blocks forever.
	MetricsAddr string

	// OTLPURL exports spans to this OTLP collector when set. User and
	// password are optional basic-auth credentials.
	OTLPURL      string
	OTLPUser     string
	OTLPPassword string
}

func openStore(opts Opts) (store.CryptoStore, error) {
	switch {
	case opts.PostgresURI != "":
		return store.NewPostgresCryptoStore(opts.PostgresURI)
	case opts.SQLitePath != "":
		return store.NewSQLiteCryptoStore(opts.SQLitePath)
	default:
		logger.Warn().Msg("no -db or -sqlite given, using an in-memory store: nothing will persist")
		return store.NewMemoryCryptoStore(), nil
	}
}

// RunDeviceTool initialises (or restores) a device against the selected
// store backend, prints its identity keys, and performs the requested key
// and export actions.
func RunDeviceTool(opts Opts) error {
	ctx := context.Background()
	if opts.OTLPURL != "" {
		if err := internal.ConfigureOTLP(opts.OTLPURL, opts.OTLPUser, opts.OTLPPassword, Version); err != nil {
			return err
		}
	}
	var task *internal.Task
	ctx, task = internal.StartTask(ctx, "RunDeviceTool")
	defer task.End()

	cryptoStore, err := openStore(opts)
	if err != nil {
		return err
	}

	initOpts := device.InitOpts{EnableMetrics: opts.MetricsAddr != ""}
	if opts.PickleKey != "" {
		initOpts.PickleKey = []byte(opts.PickleKey)
	}
	if opts.ImportPath != "" {
		data, err := os.ReadFile(opts.ImportPath)
		if err != nil {
			return fmt.Errorf("read import file: %w", err)
		}
		var exported device.ExportedDevice
		if err := json.Unmarshal(data, &exported); err != nil {
			return fmt.Errorf("parse import file: %w", err)
		}
		initOpts.FromExportedDevice = &exported
	}

	d := device.NewOlmDevice(cryptoStore)
	if err := d.Init(ctx, initOpts); err != nil {
		return err
	}
	logger.Info().
		Str("curve25519", d.DeviceCurve25519Key).
		Str("ed25519", d.DeviceEd25519Key).
		Msg("device ready")

	if opts.GenerateOTKs > 0 {
		if err := d.GenerateOneTimeKeys(ctx, opts.GenerateOTKs); err != nil {
			return err
		}
		keys, err := d.GetOneTimeKeys(ctx)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(map[string]interface{}{"curve25519": keys}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}

	if opts.ExportPath != "" {
		exported, err := d.Export(ctx)
		if err != nil {
			return err
		}
		data, err := json.Marshal(exported)
		if err != nil {
			return err
		}
		// the export contains the pickle key and every session secret
		if err := os.WriteFile(opts.ExportPath, data, 0600); err != nil {
			return err
		}
		logger.Info().Str("path", opts.ExportPath).Msg("exported device")
	}

	if opts.MetricsAddr != "" {
		logger.Info().Str("addr", opts.MetricsAddr).Msg("serving prometheus metrics")
		return http.ListenAndServe(opts.MetricsAddr, promhttp.Handler())
	}
	return nil
}
