// Command capacity-import loads room capacity rows into Postgres from a CSV
// file of building_code,room,capacity. The compute pipeline reads the table
// on every run, so imports take effect without a restart.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"io"
	"log"
	"os"
	"strconv"

	"github.com/gt-insights/enrollment-api/internal/models"
	"github.com/gt-insights/enrollment-api/internal/repository"
	"github.com/gt-insights/enrollment-api/pkg/config"
	"github.com/gt-insights/enrollment-api/pkg/database"
)

func main() {
	path := flag.String("file", "", "CSV file of building_code,room,capacity rows")
	flag.Parse()
	if *path == "" {
		log.Fatal("missing -file")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer db.Close()

	f, err := os.Open(*path)
	if err != nil {
		log.Fatalf("failed to open %s: %v", *path, err)
	}
	defer f.Close()

	repo := repository.NewCapacityRepository(db)
	reader := csv.NewReader(f)
	ctx := context.Background()

	imported := 0
	for line := 1; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("read %s: %v", *path, err)
		}
		if len(row) != 3 {
			log.Fatalf("line %d: want building_code,room,capacity", line)
		}
		if line == 1 && row[0] == "building_code" {
			continue
		}
		capacity, err := strconv.Atoi(row[2])
		if err != nil {
			log.Fatalf("line %d: bad capacity %q", line, row[2])
		}
		if err := repo.Upsert(ctx, models.RoomCapacity{
			BuildingCode: row[0],
			Room:         row[1],
			Capacity:     capacity,
		}); err != nil {
			log.Fatalf("line %d: %v", line, err)
		}
		imported++
	}
	log.Printf("imported %d room capacities", imported)
}
