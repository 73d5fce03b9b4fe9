package database

import (
	"fmt"

	"gorm.io/gorm"

	"coupon/internal/model"
	"coupon/pkg/log"
)

// Models lists every table owned by the service
func Models() []interface{} {
	return []interface{}{
		&model.Coupon{},
		&model.UserCoupon{},
		&model.OutboxEvent{},
	}
}

// AutoMigrate auto migrate database table schema
func AutoMigrate(db *gorm.DB) error {
	for _, m := range Models() {
		if err := db.AutoMigrate(m); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", m, err)
		}
		log.Debugf("Migrated model: %T", m)
	}

	log.Info("Database migration completed successfully")
	return nil
}
