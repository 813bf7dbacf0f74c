package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator(t *testing.T, cfg Config) *Validator {
	t.Helper()
	v, err := New(cfg)
	require.NoError(t, err)
	return v
}

func TestValidator_RejectsMutatingStatements(t *testing.T) {
	t.Parallel()

	v := newTestValidator(t, Config{})
	queries := []string{
		"DELETE FROM sales",
		"delete from sales",
		"  DeLeTe\tFROM sales WHERE 1=1",
		"\n\nINSERT INTO sales VALUES (1, 2)",
		"UPDATE sales SET amount = 0",
		"drop table sales",
		"DROP TABLE sales",
		"CREATE TABLE x AS SELECT * FROM sales",
		"ALTER TABLE sales ADD COLUMN x INT",
		"TRUNCATE sales",
		"COPY sales TO 'out.csv'",
		"ATTACH 'other.db'",
		"PRAGMA threads=1",
		"SET threads = 1",
		"INSTALL httpfs",
		"WITH x AS (SELECT 1) INSERT INTO sales SELECT * FROM x",
		"SELECT * FROM sales; DROP TABLE sales",
		"SELECT 1; SELECT 2",
		"/* harmless */ DELETE /* really */ FROM sales",
		"-- comment\nDELETE FROM sales",
	}
	for _, q := range queries {
		t.Run(q, func(t *testing.T) {
			verdict := v.Validate(q)
			assert.False(t, verdict.Accepted)
			assert.Equal(t, ReasonForbiddenStatement, verdict.Reason, verdict.Detail)
		})
	}
}

func TestValidator_AcceptsReadOnlyQueries(t *testing.T) {
	t.Parallel()

	v := newTestValidator(t, Config{})
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{
			name:  "limit within ceiling is kept",
			query: "SELECT category, SUM(amount) AS total FROM sales GROUP BY category ORDER BY total DESC LIMIT 5",
			want:  "SELECT category, SUM(amount) AS total FROM sales GROUP BY category ORDER BY total DESC LIMIT 5",
		},
		{
			name:  "trailing semicolon dropped",
			query: "SELECT * FROM sales LIMIT 10;",
			want:  "SELECT * FROM sales LIMIT 10",
		},
		{
			name:  "string literal containing a verb",
			query: "SELECT * FROM events WHERE action = 'DELETE' LIMIT 3",
			want:  "SELECT * FROM events WHERE action = 'DELETE' LIMIT 3",
		},
		{
			name:  "function named like a verb",
			query: "SELECT replace(name, 'a', 'b') FROM sales LIMIT 1",
			want:  "SELECT replace(name, 'a', 'b') FROM sales LIMIT 1",
		},
		{
			name:  "quoted identifier containing a verb",
			query: `SELECT "update" FROM sales LIMIT 2`,
			want:  `SELECT "update" FROM sales LIMIT 2`,
		},
		{
			name:  "cte",
			query: "WITH t AS (SELECT region, amount FROM sales LIMIT 100000) SELECT region, SUM(amount) FROM t GROUP BY region LIMIT 20",
			want:  "WITH t AS (SELECT region, amount FROM sales LIMIT 100000) SELECT region, SUM(amount) FROM t GROUP BY region LIMIT 20",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := v.Validate(tt.query)
			require.True(t, verdict.Accepted, verdict.String())
			assert.Equal(t, tt.want, verdict.SQL)
			assert.Equal(t, DefaultTimeout, verdict.Timeout)
			assert.False(t, verdict.LimitInjected)
		})
	}
}

func TestValidator_RowLimit(t *testing.T) {
	t.Parallel()

	t.Run("missing limit is injected", func(t *testing.T) {
		v := newTestValidator(t, Config{RowLimit: 500})
		verdict := v.Validate("SELECT * FROM sales -- all rows")
		require.True(t, verdict.Accepted)
		assert.True(t, verdict.LimitInjected)
		assert.Equal(t, "SELECT * FROM sales\nLIMIT 500", verdict.SQL)
	})

	t.Run("limit above ceiling is clamped", func(t *testing.T) {
		v := newTestValidator(t, Config{RowLimit: 500})
		verdict := v.Validate("SELECT * FROM sales LIMIT 100000 OFFSET 10")
		require.True(t, verdict.Accepted)
		assert.True(t, verdict.LimitClamped)
		assert.Equal(t, "SELECT * FROM sales LIMIT 500 OFFSET 10", verdict.SQL)
	})

	t.Run("nested limit does not count", func(t *testing.T) {
		v := newTestValidator(t, Config{RowLimit: 50})
		verdict := v.Validate("SELECT * FROM (SELECT * FROM sales LIMIT 10) s")
		require.True(t, verdict.Accepted)
		assert.True(t, verdict.LimitInjected)
		assert.Equal(t, "SELECT * FROM (SELECT * FROM sales LIMIT 10) s\nLIMIT 50", verdict.SQL)
	})

	t.Run("non literal limit is wrapped", func(t *testing.T) {
		v := newTestValidator(t, Config{RowLimit: 50})
		verdict := v.Validate("SELECT * FROM sales LIMIT ALL")
		require.True(t, verdict.Accepted)
		assert.Equal(t, "SELECT * FROM (\nSELECT * FROM sales LIMIT ALL\n) AS limited LIMIT 50", verdict.SQL)
	})

	t.Run("arithmetic limit is wrapped", func(t *testing.T) {
		v := newTestValidator(t, Config{RowLimit: 100})
		for _, q := range []string{
			"SELECT * FROM t LIMIT 5 * 100000",
			"SELECT * FROM t LIMIT 50 + 1000000",
			"SELECT * FROM t LIMIT 10 OFFSET 5 * 2",
		} {
			verdict := v.Validate(q)
			require.True(t, verdict.Accepted, q)
			assert.True(t, verdict.LimitClamped, q)
			assert.Equal(t, "SELECT * FROM (\n"+q+"\n) AS limited LIMIT 100", verdict.SQL)
		}
	})

	t.Run("literal limit with offset is kept", func(t *testing.T) {
		v := newTestValidator(t, Config{RowLimit: 100})
		verdict := v.Validate("SELECT * FROM t LIMIT 10 OFFSET 20")
		require.True(t, verdict.Accepted)
		assert.False(t, verdict.LimitClamped)
		assert.Equal(t, "SELECT * FROM t LIMIT 10 OFFSET 20", verdict.SQL)
	})

	t.Run("missing limit rejected when injection is disabled", func(t *testing.T) {
		v := newTestValidator(t, Config{RejectMissingLimit: true})
		verdict := v.Validate("SELECT * FROM sales")
		assert.False(t, verdict.Accepted)
		assert.Equal(t, ReasonMissingRowLimit, verdict.Reason)

		verdict = v.Validate("SELECT * FROM sales LIMIT 5")
		assert.True(t, verdict.Accepted)
	})
}

func TestValidator_Unparsable(t *testing.T) {
	t.Parallel()

	v := newTestValidator(t, Config{})
	queries := []string{
		"",
		"   ;  ",
		"SELECT * FROM sales WHERE name = 'unterminated",
		"SELECT (amount FROM sales",
		"SELECT amount) FROM sales",
		"SELECT FROM sales",
		"SELECT * FROM",
		"SELECT a, FROM sales",
		"SELECT * FROM sales WHERE",
		"/* never closed SELECT 1",
		`SELECT "broken FROM sales`,
	}
	for _, q := range queries {
		t.Run(q, func(t *testing.T) {
			verdict := v.Validate(q)
			assert.False(t, verdict.Accepted)
			assert.Equal(t, ReasonUnparsable, verdict.Reason, verdict.Detail)
		})
	}
}

func TestValidator_NonQueryStatements(t *testing.T) {
	t.Parallel()

	v := newTestValidator(t, Config{})
	for _, q := range []string{"SHOW TABLES", "DESCRIBE sales", "EXPLAIN SELECT 1"} {
		verdict := v.Validate(q)
		assert.False(t, verdict.Accepted, q)
		assert.Equal(t, ReasonForbiddenStatement, verdict.Reason, q)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultRowLimit, cfg.RowLimit)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)

	cfg = Config{Timeout: -time.Second}
	require.Error(t, cfg.Validate())
}
