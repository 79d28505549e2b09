package postgres

import "singerwh/internal/storage"

func init() {
	// registers the warehouse backend factory
	storage.Register("postgres", New)
}
