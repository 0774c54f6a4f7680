// Package all registers every record store backend.
package all

import (
	_ "cardscrape/internal/storage/mssql"
	_ "cardscrape/internal/storage/postgres"
	_ "cardscrape/internal/storage/sqlite"
)
