package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/stock-ledger/ledger"
)

func TestRebind(t *testing.T) {
	d := Dialect{Numbered: true}
	assert.Equal(t, "UPDATE t SET a = $1::numeric WHERE id = $2", d.rebind("UPDATE t SET a = ?::numeric WHERE id = ?"))

	plain := Dialect{}
	assert.Equal(t, "SELECT ? , ?", plain.rebind("SELECT ? , ?"))
}

func TestWrap_Classification(t *testing.T) {
	busy := errors.New("database is locked")
	d := Dialect{Classify: func(err error) error {
		if err == busy {
			return ledger.ErrTransactionAborted
		}
		return nil
	}}

	assert.ErrorIs(t, d.wrap("find", sql.ErrNoRows), ledger.ErrNotFound)
	assert.ErrorIs(t, d.wrap("find", busy), ledger.ErrTransactionAborted)
	assert.ErrorIs(t, d.wrap("find", busy), busy)
	assert.NoError(t, d.wrap("find", nil))

	other := d.wrap("find", fmt.Errorf("odd"))
	assert.Equal(t, ledger.CodeInternal, ledger.ErrorCode(other))
}

func TestQueryBuilding(t *testing.T) {
	var w where
	assert.Equal(t, "", w.sql())
	w.add("a = ?", 1)
	w.add("b = ?", true)
	assert.Equal(t, " WHERE a = ? AND b = ?", w.sql())
	assert.Equal(t, []any{1, true}, w.args)
	assert.Equal(t, " LIMIT 3", limit(3))
	assert.Equal(t, "", limit(0))
}
