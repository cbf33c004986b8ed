package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/npiesco/fsdb/config"
	"github.com/npiesco/fsdb/core"
	"github.com/npiesco/fsdb/delta"
	"github.com/npiesco/fsdb/querier"
	"github.com/npiesco/fsdb/storage"
)

const usage = `fsdb <command> [flags]

Commands:
  create    -table NAME -schema "col:type,..." [-partition-by COLS]
  append    -table NAME -input FILE.ndjson
  scan      -table NAME [-filter EXPR] [-version N] [-format json|ndjson]
  delete    -table NAME -filter EXPR
  merge     -table NAME -input FILE.ndjson -on COLS
  optimize  -table NAME [-zorder-by COLS] [-target-size BYTES]
  vacuum    -table NAME [-retention DUR] [-dry-run]
  history   -table NAME
`

func main() {
	if err := config.InitConfig(os.Getenv("FSDB_CONFIG")); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	core.SetLogLevel(config.Config.LogLevel)

	ctx := core.WithDefaultLogger(context.Background(), "main")

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "create":
		err = runCreate(ctx, args)
	case "append":
		err = runAppend(ctx, args)
	case "scan":
		err = runScan(ctx, args)
	case "delete":
		err = runDelete(ctx, args)
	case "merge":
		err = runMerge(ctx, args)
	case "optimize":
		err = runOptimize(ctx, args)
	case "vacuum":
		err = runVacuum(ctx, args)
	case "history":
		err = runHistory(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		core.Errorf(ctx, "%s failed: %v", cmd, err)
		os.Exit(1)
	}
}

func openStore(table string) *storage.Store {
	return storage.NewStore(afero.NewOsFs(), filepath.Join(config.Config.DataDir, table))
}

func tableOptions() delta.Options {
	return delta.Options{
		TargetFileSize:   config.Config.TargetFileSize,
		MaxCommitRetries: config.Config.MaxCommitRetries,
	}
}

func runCreate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	table := fs.String("table", "", "Table name")
	schemaSpec := fs.String("schema", "", "Schema as col:type pairs, comma separated")
	partitionBy := fs.String("partition-by", "", "Partition columns, comma separated")
	fs.Parse(args)

	if *table == "" || *schemaSpec == "" {
		return fmt.Errorf("create requires -table and -schema")
	}
	schema, err := parseSchemaSpec(*schemaSpec)
	if err != nil {
		return err
	}
	var partitions []string
	if *partitionBy != "" {
		partitions = strings.Split(*partitionBy, ",")
	}

	store := openStore(*table)
	t, err := delta.CreateTable(ctx, store, schema, partitions, nil, tableOptions())
	if err != nil {
		return err
	}
	meta, err := t.Metadata(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Created table %s (id %s)\n", *table, meta.ID)
	return nil
}

func runAppend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("append", flag.ExitOnError)
	table := fs.String("table", "", "Table name")
	input := fs.String("input", "", "NDJSON file of rows to append")
	fs.Parse(args)

	if *table == "" || *input == "" {
		return fmt.Errorf("append requires -table and -input")
	}
	rows, err := readRowsFile(*input)
	if err != nil {
		return err
	}

	t, err := delta.OpenTable(ctx, openStore(*table), tableOptions())
	if err != nil {
		return err
	}
	version, err := t.Append(ctx, rows)
	if err != nil {
		return err
	}
	fmt.Printf("Appended %d rows at version %d\n", len(rows), version)
	return nil
}

func runScan(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	table := fs.String("table", "", "Table name")
	filter := fs.String("filter", "", "Filter expression")
	version := fs.Int64("version", -1, "Version to read, -1 for latest")
	format := fs.String("format", "json", "Output format (json or ndjson)")
	fs.Parse(args)

	if *table == "" {
		return fmt.Errorf("scan requires -table")
	}
	t, err := delta.OpenTable(ctx, openStore(*table), tableOptions())
	if err != nil {
		return err
	}

	var rows []delta.Row
	var metrics *delta.ScanMetrics
	if *version >= 0 {
		rows, metrics, err = t.ScanAt(ctx, *version, *filter)
	} else {
		rows, metrics, err = t.Scan(ctx, *filter)
	}
	if err != nil {
		return err
	}
	meta, err := t.Metadata(ctx)
	if err != nil {
		return err
	}
	if err := querier.Format(*format, meta.Schema, rows, os.Stdout); err != nil {
		return err
	}
	core.Infof(ctx, "scanned %d files, skipped %d, returned %d rows",
		metrics.FilesScanned, metrics.FilesSkipped, metrics.RowsReturned)
	return nil
}

func runDelete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	table := fs.String("table", "", "Table name")
	filter := fs.String("filter", "", "Filter expression, empty deletes all rows")
	fs.Parse(args)

	if *table == "" {
		return fmt.Errorf("delete requires -table")
	}
	t, err := delta.OpenTable(ctx, openStore(*table), tableOptions())
	if err != nil {
		return err
	}
	metrics, err := t.DeleteRowsWhere(ctx, *filter)
	if err != nil {
		return err
	}
	return printMetrics(metrics)
}

func runMerge(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("merge", flag.ExitOnError)
	table := fs.String("table", "", "Table name")
	input := fs.String("input", "", "NDJSON file of source rows")
	on := fs.String("on", "", "Join columns, comma separated")
	fs.Parse(args)

	if *table == "" || *input == "" || *on == "" {
		return fmt.Errorf("merge requires -table, -input and -on")
	}
	source, err := readRowsFile(*input)
	if err != nil {
		return err
	}
	t, err := delta.OpenTable(ctx, openStore(*table), tableOptions())
	if err != nil {
		return err
	}
	meta, err := t.Metadata(ctx)
	if err != nil {
		return err
	}

	// Upsert semantics: matched rows take every source column, unmatched
	// source rows are inserted.
	updates := make(map[string]delta.MergeValue)
	inserts := make(map[string]delta.MergeValue)
	for _, f := range meta.Schema.Fields {
		updates[f.Name] = delta.FromSource(f.Name)
		inserts[f.Name] = delta.FromSource(f.Name)
	}
	metrics, err := t.Merge(source, strings.Split(*on, ",")...).
		WhenMatchedUpdate(delta.MatchedUpdateClause{Updates: updates}).
		WhenNotMatchedInsert(delta.NotMatchedInsertClause{Values: inserts}).
		Execute(ctx)
	if err != nil {
		return err
	}
	return printMetrics(metrics)
}

func runOptimize(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("optimize", flag.ExitOnError)
	table := fs.String("table", "", "Table name")
	zorderBy := fs.String("zorder-by", "", "Z-order columns, comma separated")
	targetSize := fs.Int64("target-size", 0, "Target file size in bytes")
	fs.Parse(args)

	if *table == "" {
		return fmt.Errorf("optimize requires -table")
	}
	t, err := delta.OpenTable(ctx, openStore(*table), tableOptions())
	if err != nil {
		return err
	}
	opts := delta.OptimizeOptions{TargetFileSize: *targetSize}
	if *zorderBy != "" {
		opts.ZOrderColumns = strings.Split(*zorderBy, ",")
	}
	metrics, err := t.OptimizeTable(ctx, opts)
	if err != nil {
		return err
	}
	return printMetrics(metrics)
}

func runVacuum(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("vacuum", flag.ExitOnError)
	table := fs.String("table", "", "Table name")
	retention := fs.Duration("retention", config.Config.Retention, "Minimum tombstone age")
	dryRun := fs.Bool("dry-run", false, "List candidates without deleting")
	fs.Parse(args)

	if *table == "" {
		return fmt.Errorf("vacuum requires -table")
	}
	t, err := delta.OpenTable(ctx, openStore(*table), tableOptions())
	if err != nil {
		return err
	}
	var metrics *delta.VacuumMetrics
	if *dryRun {
		metrics, err = t.VacuumDryRun(ctx, *retention)
	} else {
		metrics, err = t.VacuumTable(ctx, *retention)
	}
	if err != nil {
		return err
	}
	return printMetrics(metrics)
}

func runHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	table := fs.String("table", "", "Table name")
	fs.Parse(args)

	if *table == "" {
		return fmt.Errorf("history requires -table")
	}
	t, err := delta.OpenTable(ctx, openStore(*table), tableOptions())
	if err != nil {
		return err
	}
	entries, err := t.History(ctx)
	if err != nil {
		return err
	}
	return printMetrics(entries)
}

func parseSchemaSpec(spec string) (delta.Schema, error) {
	var schema delta.Schema
	for _, part := range strings.Split(spec, ",") {
		name, typ, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return schema, fmt.Errorf("invalid schema field %q, want name:type", part)
		}
		nullable := true
		if strings.HasSuffix(typ, "!") {
			nullable = false
			typ = strings.TrimSuffix(typ, "!")
		}
		switch typ {
		case delta.TypeString, delta.TypeLong, delta.TypeDouble, delta.TypeBoolean, delta.TypeTimestamp:
		default:
			return schema, fmt.Errorf("unknown column type %q", typ)
		}
		schema.Fields = append(schema.Fields, delta.SchemaField{Name: name, Type: typ, Nullable: nullable})
	}
	if len(schema.Fields) == 0 {
		return schema, fmt.Errorf("empty schema")
	}
	return schema, nil
}

func readRowsFile(path string) ([]delta.Row, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}
	var rows []delta.Row
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var row delta.Row
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return nil, fmt.Errorf("failed to parse input row: %w", err)
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no rows in %s", path)
	}
	return rows, nil
}

func printMetrics(v interface{}) error {
	jsonData, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	fmt.Println(string(jsonData))
	return nil
}
