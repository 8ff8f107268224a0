package postgres

import "banksetl/internal/storage"

func init() {
	// registers the backend factory
	storage.Register("postgres", New)
}
