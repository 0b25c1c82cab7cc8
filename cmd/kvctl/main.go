// Command kvctl inspects and edits kvbind databases.
//
// Usage:
//
//	kvctl --db=<path> [--engine=leveldb] <command> [args]
//	kvctl --config=<file.json> <command> [args]
//
// Commands:
//
//	get <key>            Get the value of a key
//	put <key> <val>      Store raw bytes under a key
//	putvalue <key> <js>  Store a JSON value, serialized with --encoding
//	delete <key>         Delete a key
//	scan                 List key-value pairs
//	keys                 List keys
//	count                Print the estimated number of keys
//	dump                 Dump the database with decoded values
//	property <name>      Print an engine property
//	repair               Attempt to repair a damaged database
//	destroy              Remove the database
//	engines              List available engines
package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/andreyvit/kvbind"
)

var (
	dbPath          = flag.String("db", "", "Path to the database")
	engineName      = flag.String("engine", "", "Storage engine: leveldb, bolt, kv, sqlite or memory (default leveldb)")
	configFile      = flag.String("config", "", "JSON configuration file, instead of --db and --engine")
	encodingName    = flag.String("encoding", "msgpack", "Value encoding: msgpack, cbor or json")
	cfName          = flag.String("cf", "", "Column family (default column family if empty)")
	decode          = flag.Bool("decode", false, "Decode values when reading")
	hexOutput       = flag.Bool("hex", false, "Output keys and values in hex format")
	limit           = flag.Int("limit", 0, "Limit number of entries (0 = unlimited)")
	fromKey         = flag.String("from", "", "Start key for scan")
	reverse         = flag.Bool("reverse", false, "Scan in descending key order")
	createIfMissing = flag.Bool("create_if_missing", false, "Create database if it doesn't exist")
	verbose         = flag.Bool("v", false, "Log database operations to stderr")
	help            = flag.Bool("help", false, "Print help")
)

func main() {
	flag.Parse()

	if *help || len(flag.Args()) == 0 {
		printUsage()
		return
	}
	if *verbose {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	if command != "engines" && *dbPath == "" && *configFile == "" {
		fmt.Fprintln(os.Stderr, "Error: --db or --config is required")
		os.Exit(1)
	}

	var err error
	switch command {
	case "get":
		err = cmdGet(args)
	case "put":
		err = cmdPut(args, false)
	case "putvalue":
		err = cmdPut(args, true)
	case "delete":
		err = cmdDelete(args)
	case "scan":
		err = cmdScan(true)
	case "keys":
		err = cmdScan(false)
	case "count":
		err = cmdCount()
	case "dump":
		err = cmdDump()
	case "property":
		err = cmdProperty(args)
	case "repair":
		err = cmdRepair()
	case "destroy":
		err = cmdDestroy()
	case "engines":
		for _, e := range kvbind.Engines() {
			fmt.Println(e)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("kvctl - kvbind database tool")
	fmt.Println()
	fmt.Println("Usage: kvctl --db=<path> [--engine=<name>] <command> [args]")
	fmt.Println("       kvctl --config=<file.json> <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  get <key>            Get the value of a key")
	fmt.Println("  put <key> <val>      Store raw bytes under a key")
	fmt.Println("  putvalue <key> <js>  Store a JSON value, serialized with --encoding")
	fmt.Println("  delete <key>         Delete a key")
	fmt.Println("  scan                 List key-value pairs")
	fmt.Println("  keys                 List keys")
	fmt.Println("  count                Print the estimated number of keys")
	fmt.Println("  dump                 Dump the database with decoded values")
	fmt.Println("  property <name>      Print an engine property")
	fmt.Println("  repair               Attempt to repair a damaged database")
	fmt.Println("  destroy              Remove the database")
	fmt.Println("  engines              List available engines")
	fmt.Println()
	fmt.Println("Keys and values starting with 0x are parsed as hex.")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
}

func fileConfig() (*kvbind.FileConfig, error) {
	if *configFile != "" {
		fc, err := kvbind.ReadConfigFile(*configFile)
		if err != nil {
			return nil, err
		}
		if *verbose {
			fc.Verbose = true
		}
		return fc, nil
	}
	enc, err := kvbind.ParseEncoding(*encodingName)
	if err != nil {
		return nil, err
	}
	fc := &kvbind.FileConfig{
		Config: kvbind.Config{Engine: kvbind.Engine(*engineName), Encoding: enc, Verbose: *verbose},
		Path:   *dbPath,
		ColumnFamilies: []kvbind.ColumnFamilyDescriptor{
			{Name: kvbind.DefaultColumnFamily},
		},
	}
	if *createIfMissing {
		fc.DBOptions = kvbind.Options{kvbind.CreateIfMissing(true), kvbind.CreateMissingColumnFamilies(true)}
	}
	if *cfName != "" && *cfName != kvbind.DefaultColumnFamily {
		fc.ColumnFamilies = append(fc.ColumnFamilies, kvbind.ColumnFamilyDescriptor{Name: *cfName})
	}
	return fc, nil
}

// openDB returns the database and the column family selected by --cf, nil
// for the default one.
func openDB() (*kvbind.DB, *kvbind.ColumnFamily, error) {
	fc, err := fileConfig()
	if err != nil {
		return nil, nil, err
	}
	db, cfs, err := fc.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if *cfName == "" || *cfName == kvbind.DefaultColumnFamily {
		return db, nil, nil
	}
	cf := cfs[*cfName]
	if cf == nil {
		db.Close()
		return nil, nil, fmt.Errorf("column family %q is not configured", *cfName)
	}
	return db, cf, nil
}

func readOptions() kvbind.Options {
	if *decode {
		return kvbind.Options{kvbind.Decode()}
	}
	return nil
}

func formatOutput(data []byte) string {
	if *hexOutput {
		return hex.EncodeToString(data)
	}
	for _, b := range data {
		if b < 32 || b > 126 {
			return hex.EncodeToString(data)
		}
	}
	return string(data)
}

func formatValue(v any) string {
	if b, ok := v.([]byte); ok {
		return formatOutput(b)
	}
	j, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(j)
}

func parseInput(s string) []byte {
	if strings.HasPrefix(s, "0x") {
		decoded, err := hex.DecodeString(s[2:])
		if err == nil {
			return decoded
		}
	}
	return []byte(s)
}

func cmdGet(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: get <key>")
	}
	if *cfName != "" && *cfName != kvbind.DefaultColumnFamily {
		return errors.New("get reads the default column family only")
	}
	db, _, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	v, found, err := db.Get(parseInput(args[0]), readOptions())
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("key not found: %s", args[0])
	}
	fmt.Println(formatValue(v))
	return nil
}

func cmdPut(args []string, encode bool) error {
	if len(args) != 2 {
		if encode {
			return errors.New("usage: putvalue <key> <json>")
		}
		return errors.New("usage: put <key> <value>")
	}
	db, cf, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	key := parseInput(args[0])
	if !encode {
		if cf != nil {
			return db.PutRawCF(cf, key, parseInput(args[1]), nil)
		}
		return db.PutRaw(key, parseInput(args[1]), nil)
	}

	var v any
	if err := json.Unmarshal([]byte(args[1]), &v); err != nil {
		return fmt.Errorf("invalid JSON value: %w", err)
	}
	if cf != nil {
		return db.PutValueCF(cf, key, v, nil)
	}
	return db.PutValue(key, v, nil)
}

func cmdDelete(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: delete <key>")
	}
	if *cfName != "" && *cfName != kvbind.DefaultColumnFamily {
		return errors.New("delete works on the default column family only")
	}
	db, _, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Delete(parseInput(args[0]), nil)
}

func cmdScan(values bool) error {
	db, cf, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	var s *kvbind.Stream
	switch {
	case cf == nil && values:
		s = db.Pairs(readOptions())
	case cf == nil:
		s = db.Keys(nil)
	case values:
		s = db.PairsCF(cf, readOptions())
	default:
		s = db.KeysCF(cf, nil)
	}
	if *reverse {
		s.Reversed()
	}
	if *fromKey != "" {
		s.From(parseInput(*fromKey))
	}
	defer s.Close()

	count := 0
	for s.Next() {
		if values {
			fmt.Printf("%s => %s\n", formatOutput(s.Key()), formatValue(s.Decoded()))
		} else {
			fmt.Println(formatOutput(s.Key()))
		}
		count++
		if *limit > 0 && count >= *limit {
			break
		}
	}
	if err := s.Err(); err != nil {
		return fmt.Errorf("stream error: %w", err)
	}
	fmt.Printf("\n(%d entries scanned)\n", count)
	return nil
}

func cmdCount() error {
	db, _, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	n, err := db.Count()
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

func cmdDump() error {
	db, cf, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	var cfs []*kvbind.ColumnFamily
	if cf != nil {
		cfs = append(cfs, cf)
	}
	out, err := db.Dump(kvbind.DumpAll, cfs...)
	fmt.Print(out)
	return err
}

func cmdProperty(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: property <name>")
	}
	db, _, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()
	v, ok, err := db.Property(args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("unknown property %q for engine %s", args[0], db.Engine())
	}
	fmt.Println(v)
	return nil
}

func cmdRepair() error {
	fc, err := fileConfig()
	if err != nil {
		return err
	}
	if err := fc.Config.Repair(fc.Path, fc.DBOptions); err != nil {
		return err
	}
	fmt.Println("Repair completed.")
	return nil
}

func cmdDestroy() error {
	fc, err := fileConfig()
	if err != nil {
		return err
	}
	return fc.Config.Destroy(fc.Path, fc.DBOptions)
}
