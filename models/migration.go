package models

import (
	"log"

	"github.com/mmdatafocus/booking_sync/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Booking{},
		&SyncRun{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
