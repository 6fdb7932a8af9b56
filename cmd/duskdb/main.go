// DuskDB bench tool
// Drives insert/get/scan workloads against a DuskDB file for local tuning
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"time"

	"github.com/nainya/duskdb/internal/logger"
	"github.com/nainya/duskdb/pkg/kvstore"
	"github.com/nainya/duskdb/pkg/superblock"
)

var (
	dbPath   = flag.String("db", "duskdb-bench.db", "Database file path")
	numKeys  = flag.Int("keys", 100_000, "Number of keys for the insert/scan workload")
	valSize  = flag.Int("valsize", 100, "Value size in bytes")
	checksum = flag.Bool("checksum", false, "Use the single-fsync checksum commit strategy instead of two-phase")
	logLevel = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	log := logger.NewLogger(logger.Config{Level: *logLevel})
	log.Info("duskdb bench starting").Str("db", *dbPath).Int("keys", *numKeys).Send()

	strategy := superblock.TwoPhase
	if *checksum {
		strategy = superblock.Checksum
	}

	db, err := kvstore.Open(*dbPath, kvstore.Options{WriteStrategy: strategy, LogLevel: *logLevel})
	if err != nil {
		log.Fatal("failed to open database").Err(err).Send()
	}
	defer db.Close()

	runInsert(db, log)
	runRandomGet(db, log)
	runSequentialScan(db, log)
	runMixed(db, log)
}

// runInsert loads numKeys sequential zero-padded keys with fixed-size
// values as a single committed transaction, the way a bulk load would
// actually be driven against this engine: the single-writer model makes
// one key-per-transaction loading as slow as it sounds.
func runInsert(db *kvstore.Database, log *logger.Logger) {
	start := time.Now()
	wtx, err := db.BeginWrite()
	if err != nil {
		log.Fatal("begin write").Err(err).Send()
	}
	tbl, err := wtx.OpenTable("bench", kvstore.TypeBytes, kvstore.TypeBytes)
	if err != nil {
		log.Fatal("open table").Err(err).Send()
	}

	val := make([]byte, *valSize)
	for i := 0; i < *numKeys; i++ {
		key := []byte(fmt.Sprintf("key%010d", i))
		if _, _, err := tbl.Insert(key, val); err != nil {
			log.Fatal("insert").Err(err).Send()
		}
	}
	if err := wtx.Commit(); err != nil {
		log.Fatal("commit").Err(err).Send()
	}
	report(log, "insert", *numKeys, time.Since(start))
}

// runRandomGet samples random keys from the loaded table within a single
// read snapshot.
func runRandomGet(db *kvstore.Database, log *logger.Logger) {
	rtx := db.BeginRead()
	defer rtx.Close()
	tbl, err := rtx.OpenTable("bench", kvstore.TypeBytes, kvstore.TypeBytes)
	if err != nil {
		log.Fatal("open table").Err(err).Send()
	}

	rng := rand.New(rand.NewSource(1))
	const samples = 10_000
	start := time.Now()
	for i := 0; i < samples; i++ {
		key := []byte(fmt.Sprintf("key%010d", rng.Intn(*numKeys)))
		if _, found, err := tbl.Get(key); err != nil || !found {
			log.Fatal("random get").Err(err).Bool("found", found).Send()
		}
	}
	report(log, "random-get", samples, time.Since(start))
}

// runSequentialScan walks the full table in ascending key order.
func runSequentialScan(db *kvstore.Database, log *logger.Logger) {
	rtx := db.BeginRead()
	defer rtx.Close()
	tbl, err := rtx.OpenTable("bench", kvstore.TypeBytes, kvstore.TypeBytes)
	if err != nil {
		log.Fatal("open table").Err(err).Send()
	}

	it, err := tbl.Range(nil, nil, true, true)
	if err != nil {
		log.Fatal("range").Err(err).Send()
	}
	start := time.Now()
	count := 0
	for it.Next() {
		count++
	}
	if err := it.Err(); err != nil {
		log.Fatal("scan").Err(err).Send()
	}
	report(log, "sequential-scan", count, time.Since(start))
}

// runMixed interleaves small single-key writes with reads, one in five
// operations a write.
func runMixed(db *kvstore.Database, log *logger.Logger) {
	const ops = 2_000
	rng := rand.New(rand.NewSource(2))
	start := time.Now()
	for i := 0; i < ops; i++ {
		if i%5 == 0 {
			wtx, err := db.BeginWrite()
			if err != nil {
				log.Fatal("begin write").Err(err).Send()
			}
			tbl, err := wtx.OpenTable("bench", kvstore.TypeBytes, kvstore.TypeBytes)
			if err != nil {
				log.Fatal("open table").Err(err).Send()
			}
			key := []byte(fmt.Sprintf("key%010d", rng.Intn(*numKeys)))
			if _, _, err := tbl.Insert(key, make([]byte, *valSize)); err != nil {
				log.Fatal("mixed insert").Err(err).Send()
			}
			if err := wtx.Commit(); err != nil {
				log.Fatal("mixed commit").Err(err).Send()
			}
			continue
		}
		rtx := db.BeginRead()
		tbl, err := rtx.OpenTable("bench", kvstore.TypeBytes, kvstore.TypeBytes)
		if err != nil {
			rtx.Close()
			log.Fatal("open table").Err(err).Send()
		}
		key := []byte(fmt.Sprintf("key%010d", rng.Intn(*numKeys)))
		if _, _, err := tbl.Get(key); err != nil {
			rtx.Close()
			log.Fatal("mixed get").Err(err).Send()
		}
		rtx.Close()
	}
	report(log, "mixed", ops, time.Since(start))
}

func report(log *logger.Logger, name string, n int, dur time.Duration) {
	log.Info("workload complete").
		Str("workload", name).
		Int("ops", n).
		Dur("elapsed", dur).
		Float64("ops_per_sec", float64(n)/dur.Seconds()).
		Send()
}
