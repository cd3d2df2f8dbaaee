package trace

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewContextChainsTraceIDFromParent(t *testing.T) {
	parent := NewContext("mcpguard", nil)
	child := NewContext("mcpguard", parent)

	assert.Equal(t, parent.TraceID, child.TraceID)
	require.NotNil(t, child.ParentSpanID)
	assert.Equal(t, parent.SpanID, *child.ParentSpanID)
	assert.NotEqual(t, parent.SpanID, child.SpanID)
}

func TestFinishSetsEndTime(t *testing.T) {
	c := NewContext("mcpguard", nil)
	assert.Nil(t, c.EndTime)
	c.Finish()
	assert.NotNil(t, c.EndTime)
}

func TestToMapIncludesCoreAndRiskFields(t *testing.T) {
	c := NewContext("mcpguard", nil)
	score := 0.42
	c.CompositeRiskScore = &score

	m := c.ToMap()
	assert.Equal(t, c.TraceID, m["trace_id"])
	assert.Equal(t, &score, m["composite_risk_score"])
	assert.Contains(t, m, "exec_token_verified")
	assert.Contains(t, m, "shadow_disagreement_score")
}

func TestInMemoryExporterCollectsSpans(t *testing.T) {
	e := NewInMemoryExporter()
	c1 := NewContext("mcpguard", nil)
	c2 := NewContext("mcpguard", nil)

	require.NoError(t, e.Export(context.Background(), c1))
	require.NoError(t, e.Export(context.Background(), c2))

	spans := e.Spans()
	assert.Len(t, spans, 2)
}

func TestPostgresExporterInsertsAllColumns(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(".*CREATE TABLE.*").WillReturnResult(sqlmock.NewResult(0, 0))
	exporter, err := NewPostgresExporter(context.Background(), db)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO mcp_traces")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	c := NewContext("mcpguard", nil)
	require.NoError(t, exporter.Export(context.Background(), c))
	assert.NoError(t, mock.ExpectationsWereMet())
}
