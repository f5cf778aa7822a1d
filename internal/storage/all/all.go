// Package all registers every storage backend with the storage factory.
// Configuration picks which one runs; the binaries link all of them.
package all

import (
	_ "dwetl/internal/storage/mssql"
	_ "dwetl/internal/storage/postgres"
	_ "dwetl/internal/storage/sqlite"
)
