// Package all registers every storage backend with the storage factory.
// Commands blank-import it so the backend can be chosen at runtime.
package all

import (
	_ "banksetl/internal/storage/mssql"
	_ "banksetl/internal/storage/postgres"
	_ "banksetl/internal/storage/sqlite"
)
