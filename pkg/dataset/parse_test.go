package dataset

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `Clave_Plaza,Clave_Edo,Estado,Año,Cve-mes,Inc_Total,Aten_Total,CN_Inicial_Acum,CN_Prim_Acum,CN_Sec_Acum,CN_Tot_Acum
P001,9,Ciudad de Mexico,2024,3,100,80,10,20,30,60
P002,15,Mexico,2024,3,50.0,40,5,5,5,15
`

func TestParseCSV_Basic(t *testing.T) {
	ds, err := ParseCSV([]byte(sampleCSV))
	require.NoError(t, err)
	require.Equal(t, 2, ds.Len())

	r := ds.Rows[0]
	assert.Equal(t, "P001", r.PlazaKey)
	assert.Equal(t, 9, r.RegionID)
	assert.Equal(t, "Ciudad de Mexico", r.Region)
	assert.Equal(t, 2024, r.Year)
	assert.Equal(t, 3, r.Month)
	assert.Equal(t, int64(100), r.IncTotal)
	assert.Equal(t, int64(60), r.CNTotal)

	// Float-formatted integers are truncated, not rejected
	assert.Equal(t, int64(50), ds.Rows[1].IncTotal)
}

func TestParseCSV_CaseInsensitiveHeaders(t *testing.T) {
	csvData := "clave_edo,estado,ANIO,cve_mes,Inc_Total\n9,Cdmx,24,1,7\n"
	ds, err := ParseCSV([]byte(csvData))
	require.NoError(t, err)
	require.Equal(t, 1, ds.Len())
	assert.Equal(t, 9, ds.Rows[0].RegionID)
	assert.Equal(t, 2024, ds.Rows[0].Year) // two-digit year normalized
	assert.Equal(t, 1, ds.Rows[0].Month)
}

func TestParseCSV_Latin1Fallback(t *testing.T) {
	// "Año" and "Yucatán" encoded as Latin-1 (0xF1 = ñ, 0xE1 = á)
	raw := []byte("Clave_Edo,Estado,A\xf1o,Cve-mes\n31,Yucat\xe1n,2024,2\n")
	ds, err := ParseCSV(raw)
	require.NoError(t, err)
	require.Equal(t, 1, ds.Len())
	assert.Equal(t, "Yucatán", ds.Rows[0].Region)
	assert.Equal(t, 2024, ds.Rows[0].Year)
}

func TestParseJSON_Rows(t *testing.T) {
	payload := `[
		{"Clave_Plaza": "P1", "Clave_Edo": 9, "Estado": "Cdmx", "Año": 2024, "Cve-mes": 6, "CN_Tot_Acum": 600},
		{"Clave_Plaza": "P2", "Clave_Edo": 9, "Estado": "Cdmx", "Año": 2024, "Cve-mes": 6, "CN_Tot_Acum": 100.0}
	]`
	ds, err := ParseJSON([]byte(payload))
	require.NoError(t, err)
	require.Equal(t, 2, ds.Len())
	assert.Equal(t, int64(600), ds.Rows[0].CNTotal)
	assert.Equal(t, int64(100), ds.Rows[1].CNTotal)
	assert.Equal(t, 6, ds.Rows[0].Month)
}

func TestDecompress_Gzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(sampleCSV))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	out, err := Decompress(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, sampleCSV, string(out))
}

func TestDecompress_Passthrough(t *testing.T) {
	out, err := Decompress([]byte("plain"))
	require.NoError(t, err)
	assert.Equal(t, "plain", string(out))
}

func TestParse_GzippedCSVByExtension(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte(sampleCSV))
	zw.Close()

	ds, err := Parse(buf.Bytes(), "2024-03.csv")
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())
}

func TestParse_UnknownExtensionFallsBack(t *testing.T) {
	ds, err := Parse([]byte(sampleCSV), "2024-03.dat")
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())

	_, err = Parse([]byte("not a dataset"), "2024-03.dat")
	assert.Error(t, err)
}
