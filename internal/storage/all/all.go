// Package all registers every warehouse backend with the storage registry.
package all

import (
	_ "singerwh/internal/storage/mssql"
	_ "singerwh/internal/storage/postgres"
	_ "singerwh/internal/storage/snowflake"
	_ "singerwh/internal/storage/sqlite"
)
