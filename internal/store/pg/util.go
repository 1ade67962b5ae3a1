package pg

import (
	"database/sql"
	"fmt"

	"github.com/orcfabric/fabric/internal/store"
)

func checkAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("pg: update %s: %w", id, store.ErrNotFound)
	}
	return nil
}
