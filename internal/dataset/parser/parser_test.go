package parser

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/plotline/plotline/internal/config"
	datasetdomain "github.com/plotline/plotline/internal/dataset/domain"
	mappingdomain "github.com/plotline/plotline/internal/mapping/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parsingConfig() config.ParsingConfig {
	return config.ParsingConfig{SampleRows: 2, MaxColumns: 16, InferSample: 100}
}

const sampleCSV = `name,when,lat,lng,active
Quake,2026-01-02,52.52,13.405,true
Flood,2026-01-03,48.13,11.58,false
Storm,2026-01-04,53.55,9.99,true
`

func TestDetectCSV(t *testing.T) {
	result, err := Detect(strings.NewReader(sampleCSV), datasetdomain.FormatCSV, parsingConfig())
	require.NoError(t, err)

	assert.Equal(t, []string{"name", "when", "lat", "lng", "active"}, result.Header)
	assert.Equal(t, int64(3), result.RowCount)
	assert.Len(t, result.SampleRows, 2)

	types := map[string]mappingdomain.InferredType{}
	for _, c := range result.Columns {
		types[c.Name] = c.InferredType
	}
	assert.Equal(t, mappingdomain.TypeString, types["name"])
	assert.Equal(t, mappingdomain.TypeDate, types["when"])
	assert.Equal(t, mappingdomain.TypeNumber, types["lat"])
	assert.Equal(t, mappingdomain.TypeBoolean, types["active"])
}

func TestDetectMixedColumn(t *testing.T) {
	csv := "value\n42\nhello\n"
	result, err := Detect(strings.NewReader(csv), datasetdomain.FormatCSV, parsingConfig())
	require.NoError(t, err)
	assert.Equal(t, mappingdomain.TypeMixed, result.Columns[0].InferredType)
}

func TestDetectEmptyColumnDefaultsToString(t *testing.T) {
	csv := "a,b\n1,\n2,\n"
	result, err := Detect(strings.NewReader(csv), datasetdomain.FormatCSV, parsingConfig())
	require.NoError(t, err)
	assert.Equal(t, mappingdomain.TypeString, result.Columns[1].InferredType)
}

func TestDetectRejectsEmptyFile(t *testing.T) {
	_, err := Detect(strings.NewReader(""), datasetdomain.FormatCSV, parsingConfig())
	require.Error(t, err)
	assert.ErrorIs(t, err, datasetdomain.ErrParse)
}

func TestDetectRejectsTooManyColumns(t *testing.T) {
	cfg := parsingConfig()
	cfg.MaxColumns = 2
	_, err := Detect(strings.NewReader(sampleCSV), datasetdomain.FormatCSV, cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, datasetdomain.ErrParse)
}

func TestDetectNamesBlankHeaders(t *testing.T) {
	csv := "a,,c\n1,2,3\n"
	result, err := Detect(strings.NewReader(csv), datasetdomain.FormatCSV, parsingConfig())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "column_2", "c"}, result.Header)
}

func TestOpenStreamsRowsInOrder(t *testing.T) {
	rows, err := Open(strings.NewReader(sampleCSV), datasetdomain.FormatCSV)
	require.NoError(t, err)
	defer rows.Close()

	header, err := rows.Next()
	require.NoError(t, err)
	assert.Equal(t, "name", header[0])

	var names []string
	for {
		row, err := rows.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		names = append(names, row[0])
	}
	assert.Equal(t, []string{"Quake", "Flood", "Storm"}, names)
}

func TestOpenUnsupportedFormat(t *testing.T) {
	_, err := Open(strings.NewReader(""), datasetdomain.Format("parquet"))
	assert.ErrorIs(t, err, datasetdomain.ErrUnsupportedFormat)
}
