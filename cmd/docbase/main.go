// Command docbase demonstrates opening a database, inserting documents,
// maintaining an index, and running a transaction end to end.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/mlindgren/docbase/engine"
	"github.com/mlindgren/docbase/storage"
)

func main() {
	const dbPath = "docbase_example.db"
	defer os.Remove(dbPath)

	db, err := engine.Open(dbPath, engine.Default())
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	fmt.Println("=== docbase example ===")
	fmt.Println()

	fmt.Println("--- insert ---")
	jobs := []map[string]interface{}{
		{"type": "oracle", "retry": int64(5), "enabled": true},
		{"type": "mysql", "retry": int64(2), "enabled": true},
		{"type": "postgres", "retry": int64(0), "enabled": false},
	}
	for _, fields := range jobs {
		doc := storage.NewDocumentFromMap(fields)
		doc.SetID(storage.NewObjectID())
		id, err := db.Insert("jobs", doc, nil)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("inserted %v: %v\n", id, fields)
	}

	fmt.Println()
	fmt.Println("--- index ---")
	if _, err := db.EnsureIndex("jobs", "by_type", []string{"type"}, false); err != nil {
		log.Fatal(err)
	}
	fmt.Println("created index jobs.by_type")

	fmt.Println()
	fmt.Println("--- transaction ---")
	tx, err := db.BeginTransaction()
	if err != nil {
		log.Fatal(err)
	}
	doc := storage.NewDocumentFromMap(map[string]interface{}{"type": "sqlite", "retry": int64(1), "enabled": true})
	doc.SetID(storage.NewObjectID())
	if _, err := db.Insert("jobs", doc, tx); err != nil {
		log.Fatal(err)
	}
	if err := db.CommitTransaction(tx); err != nil {
		log.Fatal(err)
	}
	fmt.Println("committed transaction inserting one job")

	fmt.Println()
	fmt.Println("--- scan ---")
	all, err := db.FindAll("jobs", nil)
	if err != nil {
		log.Fatal(err)
	}
	for _, d := range all {
		fmt.Println(d.ToMap())
	}

	fmt.Println()
	stats := db.GetStatistics()
	fmt.Printf("collections=%d committed_transactions=%d\n", stats.Collections, stats.Transactions.CommittedCount)
}
