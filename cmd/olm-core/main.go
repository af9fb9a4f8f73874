package main

import (
	"flag"
	"fmt"
	"os"

	olmcore "github.com/matrix-org/olm-core"
)

var (
	flagPostgres    = flag.String("db", "", "Postgres connection string (see lib/pq docs)")
	flagSQLite      = flag.String("sqlite", "", "Path to a SQLite database file")
	flagPickleKey   = flag.String("pickle-key", "", "Key used to encrypt stored secrets")
	flagImport      = flag.String("import", "", "Restore the device from an exported-device JSON file")
	flagExport      = flag.String("export", "", "Write the device (and its secrets) to a JSON file")
	flagOTKs        = flag.Int("otk", 0, "Generate this many one-time keys and print them")
	flagMetricsAddr = flag.String("metrics", "", "Serve prometheus metrics on this address and block")
	flagOTLPURL     = flag.String("otlp", "", "OTLP collector URL to export spans to")
	flagOTLPUser    = flag.String("otlp-user", "", "Basic auth username for the OTLP collector")
	flagOTLPPass    = flag.String("otlp-password", "", "Basic auth password for the OTLP collector")
)

func main() {
	flag.Parse()
	err := olmcore.RunDeviceTool(olmcore.Opts{
		PostgresURI:  *flagPostgres,
		SQLitePath:   *flagSQLite,
		PickleKey:    *flagPickleKey,
		ImportPath:   *flagImport,
		ExportPath:   *flagExport,
		GenerateOTKs: *flagOTKs,
		MetricsAddr:  *flagMetricsAddr,
		OTLPURL:      *flagOTLPURL,
		OTLPUser:     *flagOTLPUser,
		OTLPPassword: *flagOTLPPass,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
