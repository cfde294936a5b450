// Package all wires all built-in storage backends into the storage factory.
//
// It exists purely for side effects: importing it (typically as a blank
// import from a main package) runs the init functions of each concrete
// backend, which register their factories with the storage package. A binary
// that only needs a subset can blank-import the individual backends instead.
package all

import (
	_ "csvscan/internal/storage/mssql"
	_ "csvscan/internal/storage/postgres"
	_ "csvscan/internal/storage/sqlite"
)
